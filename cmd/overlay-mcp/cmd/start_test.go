package cmd

import (
	"log/slog"
	"testing"

	"github.com/Sentinel-Gate/overlay-mcp/internal/config"
	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/authz"
)

func TestStartCmd_Registered(t *testing.T) {
	found := false
	for _, cmd := range rootCmd.Commands() {
		if cmd.Name() == "start" {
			found = true
			break
		}
	}
	if !found {
		t.Error("start command not registered with rootCmd")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"garbage", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBuildGate(t *testing.T) {
	logger := slog.Default()

	cfg := &config.Config{}
	gate, err := buildGate(cfg, logger)
	if err != nil {
		t.Fatalf("buildGate() error = %v", err)
	}
	if _, ok := gate.(authz.AllowAll); !ok {
		t.Errorf("buildGate() with no rules = %T, want AllowAll", gate)
	}

	cfg = &config.Config{}
	cfg.Authz.DenyKeys = []string{"tools/call/shell"}
	gate, err = buildGate(cfg, logger)
	if err != nil {
		t.Fatalf("buildGate() error = %v", err)
	}
	if _, ok := gate.(*authz.StaticGate); !ok {
		t.Errorf("buildGate() with static rules = %T, want *StaticGate", gate)
	}

	cfg.Authz.CEL.Message = `method != "tools/call"`
	gate, err = buildGate(cfg, logger)
	if err != nil {
		t.Fatalf("buildGate() error = %v", err)
	}
	if _, ok := gate.(authz.Chain); !ok {
		t.Errorf("buildGate() with static and CEL rules = %T, want Chain", gate)
	}

	cfg.Authz.CEL.Message = `method ==`
	if _, err := buildGate(cfg, logger); err == nil {
		t.Error("buildGate() with bad CEL expression expected error, got nil")
	}
}

func TestBuildAPIKeyRefs(t *testing.T) {
	cfg := &config.Config{}
	refs, err := buildAPIKeyRefs(cfg)
	if err != nil {
		t.Fatalf("buildAPIKeyRefs() error = %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("buildAPIKeyRefs() default count = %d, want 2", len(refs))
	}
	if refs[0].String() != "header:x-api-key" || refs[1].String() != "query:apikey" {
		t.Errorf("buildAPIKeyRefs() defaults = %v", refs)
	}

	cfg.Auth.APIKeyRefs = []string{"query:token"}
	refs, err = buildAPIKeyRefs(cfg)
	if err != nil {
		t.Fatalf("buildAPIKeyRefs() error = %v", err)
	}
	if len(refs) != 1 || refs[0].String() != "query:token" {
		t.Errorf("buildAPIKeyRefs() = %v, want [query:token]", refs)
	}

	cfg.Auth.APIKeyRefs = []string{"header:/^x-/"}
	if _, err := buildAPIKeyRefs(cfg); err == nil {
		t.Error("buildAPIKeyRefs() with regex ref expected error, got nil")
	}
}
