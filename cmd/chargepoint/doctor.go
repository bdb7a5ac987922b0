package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ocpp-rpc/internal/adapter/codec"
	"ocpp-rpc/internal/adapter/transport"
	"ocpp-rpc/internal/domain"
	"ocpp-rpc/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Protocol version", Fn: checkVersion},
		{Name: "Credentials", Fn: checkCredentials},
		{Name: "Journal", Fn: checkJournal},
		{Name: "Central system", Fn: checkCentralSystem},
	}

	fmt.Println("chargepoint doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

// checkConfigFile returns a check that verifies the config file exists and loads.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check " + cfgPath + " syntax and the OCPPRPC_* environment",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create " + cfgPath + " or pass --config",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

// checkVersion verifies a codec exists for the configured protocol version.
func checkVersion(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	c, err := codec.ForVersion(cfg.Session.Version, nil)
	if err == nil && c.Language() != domain.LanguageJSON {
		err = fmt.Errorf("%s transport is not implemented", c.Language())
	}
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("version %q: %v", cfg.Session.Version, err),
			Fix:     "Use a JSON version such as 1.6j or 2.0.1j",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s (%s)", cfg.Session.Version, domain.ResolveLanguage(cfg.Session.Version))}
}

// checkCredentials reports whether basic auth is configured.
func checkCredentials(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	t := cfg.Transport
	if t.Username == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no basic auth credentials configured",
			Fix:     "Set transport.username and transport.password if the central system requires them",
		}
	}
	if strings.HasPrefix(t.URL, "ws://") && t.Password != "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "password is sent over an unencrypted ws:// connection",
			Fix:     "Use a wss:// URL",
		}
	}
	return CheckResult{Status: StatusPass, Message: "credentials configured for " + t.Username}
}

// checkJournal verifies the journal directory is writable when enabled.
func checkJournal(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if !cfg.Journal.Enabled {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	dir := filepath.Dir(cfg.Journal.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot create %s: %v", dir, err)}
	}
	tmp, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			Fix:     "Fix permissions or change journal.path",
		}
	}
	tmp.Close()
	os.Remove(tmp.Name())
	return CheckResult{Status: StatusPass, Message: cfg.Journal.Path}
}

// checkCentralSystem dials the configured endpoint once.
func checkCentralSystem(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	client := transport.NewClient(transport.Config{
		URL:         cfg.Transport.URL,
		StationID:   cfg.Transport.StationID,
		Subprotocol: cfg.Transport.Subprotocol,
		Username:    cfg.Transport.Username,
		Password:    cfg.Transport.Password,
		DialTimeout: cfg.Transport.DialTimeout,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Transport.DialTimeout+time.Second)
	defer cancel()
	if err := client.CheckReachable(ctx); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s unreachable: %v", client.Endpoint(), err),
			Fix:     "Check transport.url, transport.station_id and the network",
		}
	}
	return CheckResult{Status: StatusPass, Message: client.Endpoint() + " accepted " + cfg.Transport.Subprotocol}
}
