package session

import "sync"

// callQueue runs inbound call handlers one at a time, in arrival order, off
// the goroutine that feeds Received. A drain goroutine exists only while
// there is work queued.
type callQueue struct {
	mu      sync.Mutex
	jobs    []func()
	running bool
	wg      sync.WaitGroup
}

func (q *callQueue) push(job func()) {
	q.wg.Add(1)
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

func (q *callQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		job()
		q.wg.Done()
	}
}

// len reports the number of handlers waiting to start.
func (q *callQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// wait blocks until every pushed handler has returned. Pushes must not race
// with it.
func (q *callQueue) wait() { q.wg.Wait() }
