package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"troupe/internal/infra/config"
)

func TestCheckConfigFile_Missing(t *testing.T) {
	result := checkConfigFile("/nonexistent/path/troupe.yaml", nil)(nil)
	if result.Status != StatusWarn {
		t.Errorf("expected WARN for missing config, got %s", result.Status)
	}
	if result.Fix == "" {
		t.Error("expected fix suggestion for missing config")
	}
}

func TestCheckConfigFile_LoadError(t *testing.T) {
	result := checkConfigFile("troupe.yaml", &config.ValidationError{Errors: []string{"bad yaml"}})(nil)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL for load error, got %s", result.Status)
	}
}

func TestCheckConfigFile_Valid(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "troupe.yaml")
	if err := os.WriteFile(cfgPath, []byte("backend:\n  type: scripted\n"), 0600); err != nil {
		t.Fatal(err)
	}
	result := checkConfigFile(cfgPath, nil)(nil)
	if result.Status != StatusPass {
		t.Errorf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckBackendToken(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.Config
		want CheckStatus
	}{
		{"nil config", nil, StatusFail},
		{"scripted", &config.Config{Backend: config.BackendConfig{Type: "scripted"}}, StatusPass},
		{"missing", &config.Config{Backend: config.BackendConfig{Type: "coze"}}, StatusFail},
		{"short", &config.Config{Backend: config.BackendConfig{Type: "coze", APIToken: "pat"}}, StatusWarn},
		{"present", &config.Config{Backend: config.BackendConfig{Type: "coze", APIToken: "pat_0123456789"}}, StatusPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := checkBackendToken(tt.cfg).Status; got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCheckBackendConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := &config.Config{Backend: config.BackendConfig{Type: "coze", BaseURL: srv.URL + "/"}}
	if r := checkBackendConnectivity(cfg); r.Status != StatusPass {
		t.Errorf("expected PASS, got %s: %s", r.Status, r.Message)
	}

	srv.Close()
	if r := checkBackendConnectivity(cfg); r.Status != StatusFail {
		t.Errorf("expected FAIL for closed server, got %s", r.Status)
	}
}

func TestCheckCast(t *testing.T) {
	cfg := config.Defaults()
	if r := checkCast(cfg); r.Status != StatusPass {
		t.Errorf("defaults: got %s: %s", r.Status, r.Message)
	}

	cfg.Cast.CharacterDispatcher.ID = ""
	if r := checkCast(cfg); r.Status != StatusFail {
		t.Errorf("missing dispatcher: got %s", r.Status)
	}

	cfg.Cast.Characters = nil
	if r := checkCast(cfg); r.Status != StatusFail {
		t.Errorf("no characters: got %s", r.Status)
	}
}

func TestCheckTokenStore(t *testing.T) {
	cfg := &config.Config{Store: config.StoreConfig{Type: "memory"}}
	if r := checkTokenStore(cfg); r.Status != StatusPass {
		t.Errorf("memory: got %s", r.Status)
	}

	dir := filepath.Join(t.TempDir(), "nested")
	cfg.Store = config.StoreConfig{Type: "sqlite", Path: filepath.Join(dir, "troupe.db")}
	if r := checkTokenStore(cfg); r.Status != StatusPass {
		t.Errorf("sqlite: got %s: %s", r.Status, r.Message)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("expected %s to be created", dir)
	}

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0600); err != nil {
		t.Fatal(err)
	}
	cfg.Store.Path = filepath.Join(file, "troupe.db")
	if r := checkTokenStore(cfg); r.Status != StatusFail {
		t.Errorf("file as dir: got %s", r.Status)
	}
}

func TestCheckGateway(t *testing.T) {
	cfg := &config.Config{}
	if r := checkGateway(cfg); r.Status != StatusPass {
		t.Errorf("disabled: got %s", r.Status)
	}
	cfg.Gateway = config.GatewayConfig{Enabled: true, Addr: ":8081"}
	if r := checkGateway(cfg); r.Status != StatusWarn {
		t.Errorf("open gateway: got %s", r.Status)
	}
	cfg.Gateway.Tokens = []config.GatewayToken{{Token: "t", Name: "ops"}}
	if r := checkGateway(cfg); r.Status != StatusPass {
		t.Errorf("token gateway: got %s", r.Status)
	}
}

func TestRunChecks_Tally(t *testing.T) {
	checks := []Check{
		{Name: "a", Fn: func(*config.Config) CheckResult { return CheckResult{Status: StatusPass} }},
		{Name: "b", Fn: func(*config.Config) CheckResult { return CheckResult{Status: StatusWarn} }},
		{Name: "c", Fn: func(*config.Config) CheckResult { return CheckResult{Status: StatusFail} }},
		{Name: "d", Fn: func(*config.Config) CheckResult { return CheckResult{Status: StatusPass} }},
	}
	var names []string
	pass, warn, fail := runChecks(checks, nil, func(r CheckResult) { names = append(names, r.Name) })
	if pass != 2 || warn != 1 || fail != 1 {
		t.Errorf("tally = %d/%d/%d, want 2/1/1", pass, warn, fail)
	}
	if len(names) != 4 || names[2] != "c" {
		t.Errorf("reported names = %v", names)
	}
}

func TestStatusIcon(t *testing.T) {
	if statusIcon(StatusPass) != "[PASS]" || statusIcon(StatusFail) != "[FAIL]" || statusIcon("x") != "[????]" {
		t.Error("unexpected icons")
	}
}
