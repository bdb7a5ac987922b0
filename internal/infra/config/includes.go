package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxIncludeDepth = 10

// includer overlays included config files onto a Config. Every file is read at
// most once per Load; seeing one twice means the include graph has a cycle.
type includer struct {
	cfg     *Config
	visited map[string]bool
}

// processIncludes merges the files listed in cfg.Includes into cfg.
// baseDir is the directory of the file that declared them.
func processIncludes(cfg *Config, baseDir string, visited map[string]bool, depth int) error {
	if visited == nil {
		visited = make(map[string]bool)
	}
	inc := &includer{cfg: cfg, visited: visited}
	return inc.run(baseDir, depth)
}

func (inc *includer) run(baseDir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	patterns := inc.cfg.Includes
	// Cleared so the next unmarshal only reports the includes of that file.
	inc.cfg.Includes = nil

	for _, pattern := range patterns {
		paths, err := resolveIncludePaths(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("config includes: abs path %q: %w", p, err)
			}
			if inc.visited[abs] {
				return fmt.Errorf("config includes: circular include detected for %q", abs)
			}
			inc.visited[abs] = true

			if err := inc.merge(abs, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// merge overlays one file onto the config and follows its own includes.
func (inc *includer) merge(path string, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := unmarshalerFor(path)(data, inc.cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	if len(inc.cfg.Includes) == 0 {
		return nil
	}
	return inc.run(filepath.Dir(path), depth)
}

// resolveIncludePaths expands pattern relative to baseDir. Relative patterns
// must stay inside baseDir. A glob matching nothing yields no paths, while a
// literal path is returned as-is so the read reports it missing.
func resolveIncludePaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(baseDir, pattern); err == nil && (rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	if !hasMeta(pattern) {
		return []string{pattern}, nil
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	return matches, nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}
