package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"troupe/internal/infra/config"
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

	// Some checks work without a loaded config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Backend API token", Fn: checkBackendToken},
		{Name: "Backend connectivity", Fn: checkBackendConnectivity},
		{Name: "Cast", Fn: checkCast},
		{Name: "Token store", Fn: checkTokenStore},
		{Name: "Gateway", Fn: checkGateway},
		{Name: "Network", Fn: checkNetwork},
	}

	fmt.Println("troupe doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	pass, warn, fail := runChecks(checks, cfg, func(r CheckResult) {
		fmt.Printf("  %s %s: %s\n", statusIcon(r.Status), r.Name, r.Message)
		if r.Fix != "" {
			fmt.Printf("      Fix: %s\n", r.Fix)
		}
	})

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above to ensure troupe runs correctly.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\ntroupe should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! troupe is ready to run.")
	}
	return nil
}

// runChecks runs every check, reports each result and tallies the outcome.
func runChecks(checks []Check, cfg *config.Config, report func(CheckResult)) (pass, warn, fail int) {
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name
		report(result)

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}
	return pass, warn, fail
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

var noConfigResult = CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}

// checkConfigFile returns a check that verifies the config file parses. A
// missing file is only a warning since the built-in cast is used.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Check %s syntax and required fields", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("config file not found at %s, using built-in defaults", cfgPath),
				Fix:     "Create troupe.yaml or pass --config PATH",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkBackendToken verifies the Coze backend has a credential.
func checkBackendToken(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfigResult
	}
	if cfg.Backend.Type == "scripted" {
		return CheckResult{Status: StatusPass, Message: "scripted backend needs no token"}
	}
	if cfg.Backend.APIToken == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "no API token for the coze backend",
			Fix:     "Set COZE_API_TOKEN or backend.api_token",
		}
	}
	if len(cfg.Backend.APIToken) < 8 {
		return CheckResult{Status: StatusWarn, Message: "API token looks truncated"}
	}
	return CheckResult{Status: StatusPass, Message: "API token configured"}
}

// checkBackendConnectivity tests whether the backend base URL is reachable.
func checkBackendConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfigResult
	}
	if cfg.Backend.Type == "scripted" {
		return CheckResult{Status: StatusPass, Message: "scripted backend is in-process"}
	}
	endpoint := strings.TrimRight(cfg.Backend.BaseURL, "/")
	if endpoint == "" {
		endpoint = config.DefaultCozeBaseURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("invalid base URL: %v", err),
		}
	}
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check your internet connection and firewall settings",
		}
	}
	resp.Body.Close()

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", endpoint, latency.Milliseconds()),
	}
}

// checkCast summarises the configured characters and dispatchers.
func checkCast(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfigResult
	}
	if len(cfg.Cast.Characters) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no characters configured",
			Fix:     "Add entries under cast.characters",
		}
	}
	names := make([]string, len(cfg.Cast.Characters))
	for i, c := range cfg.Cast.Characters {
		names[i] = c.Name
	}
	if cfg.Cast.UserDispatcher.ID == "" || cfg.Cast.CharacterDispatcher.ID == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "both dispatchers need a persona id",
			Fix:     "Set cast.user_dispatcher.id and cast.character_dispatcher.id",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d character(s): %s", len(names), strings.Join(names, ", ")),
	}
}

// checkTokenStore verifies the SQLite directory exists and is writable.
func checkTokenStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfigResult
	}
	if cfg.Store.Type != "sqlite" {
		return CheckResult{
			Status:  StatusPass,
			Message: "memory store (continuation tokens are lost on restart)",
		}
	}

	absDir, _ := filepath.Abs(filepath.Dir(cfg.Store.Path))
	info, err := os.Stat(absDir)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(absDir, 0700); mkErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("data directory %s does not exist and cannot be created: %v", absDir, mkErr),
				Fix:     fmt.Sprintf("Create the directory: mkdir -p %s", absDir),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("data directory created at %s", absDir)}
	}
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot stat data directory: %v", err)}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s exists but is not a directory", absDir)}
	}

	testFile := filepath.Join(absDir, ".doctor-check")
	if err := os.WriteFile(testFile, []byte("ok"), 0600); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("data directory %s is not writable: %v", absDir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 700 %s", absDir),
		}
	}
	os.Remove(testFile)

	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("sqlite store at %s", cfg.Store.Path)}
}

// checkGateway warns when the WebSocket gateway accepts unauthenticated clients.
func checkGateway(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfigResult
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusPass, Message: "gateway disabled"}
	}
	if len(cfg.Gateway.Tokens) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("gateway on %s accepts any client", cfg.Gateway.Addr),
			Fix:     "Add gateway.tokens to require a token",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("gateway on %s with %d token(s)", cfg.Gateway.Addr, len(cfg.Gateway.Tokens)),
	}
}

// checkNetwork verifies basic internet connectivity.
func checkNetwork(_ *config.Config) CheckResult {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", "1.1.1.1:443")
	if err != nil {
		conn2, err2 := d.DialContext(ctx, "tcp", "8.8.8.8:443")
		if err2 != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: "no internet connectivity detected",
				Fix:     "Check your network connection and firewall settings",
			}
		}
		conn2.Close()
	} else {
		conn.Close()
	}

	return CheckResult{
		Status:  StatusPass,
		Message: "internet connectivity OK",
	}
}
