package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"ocpp-rpc/internal/domain"
	"ocpp-rpc/internal/usecase/session"
)

// runCall connects once, sends a single call and prints the answer.
func runCall(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: chargepoint call ACTION [JSON]")
	}
	action := args[0]
	var payload json.RawMessage
	if len(args) == 2 {
		payload = json.RawMessage(args[1])
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	connected := make(chan struct{}, 1)
	unsubscribe := rt.bus.Subscribe(domain.EventSessionConnected, func(context.Context, domain.Event) {
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	runCtx, stop := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- rt.client.Run(runCtx, rt.ctrl) }()
	defer func() {
		stop()
		<-runErr
	}()

	select {
	case <-connected:
	case err := <-runErr:
		runErr <- err
		return fmt.Errorf("connect: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	res, err := rt.ctrl.Call(ctx, action, payload)
	if err != nil {
		return err
	}
	return printResult(os.Stdout, res)
}

// printResult writes the answer as indented JSON. A CallError is printed
// and also returned so the process exits non-zero.
func printResult(w io.Writer, res session.Result) error {
	var out bytes.Buffer
	body := res.Payload
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return fmt.Errorf("format answer: %w", err)
	}
	if _, err := fmt.Fprintln(w, out.String()); err != nil {
		return err
	}
	if !res.OK {
		if res.Error != nil {
			return res.Error
		}
		return errors.New("call failed")
	}
	return nil
}
