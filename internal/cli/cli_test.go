// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/kot-relay/internal/config"
)

// =============================================================================
// ARG PARSER TESTS (args.go)
// =============================================================================

func TestArgParser_BasicParsing(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantSub  string
		validate func(*testing.T, *ArgParser)
	}{
		{
			name:    "simple subcommand",
			args:    []string{"serve"},
			wantSub: "serve",
		},
		{
			name:    "subcommand with flag",
			args:    []string{"serve", "--port", "4000"},
			wantSub: "serve",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Flag("port") != "4000" {
					t.Errorf("Flag(port) = %q, want %q", p.Flag("port"), "4000")
				}
			},
		},
		{
			name:    "flag with equals",
			args:    []string{"config", "--config=/etc/kot.toml"},
			wantSub: "config",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Flag("config") != "/etc/kot.toml" {
					t.Errorf("Flag(config) = %q", p.Flag("config"))
				}
			},
		},
		{
			name:    "boolean flag",
			args:    []string{"version", "--json"},
			wantSub: "version",
			validate: func(t *testing.T, p *ArgParser) {
				if !p.BoolFlag("json") {
					t.Error("BoolFlag(json) should be true")
				}
			},
		},
		{
			name:    "bool-only flag does not take the command",
			args:    []string{"--quiet", "serve"},
			wantSub: "serve",
			validate: func(t *testing.T, p *ArgParser) {
				if !p.BoolFlag("quiet") {
					t.Error("BoolFlag(quiet) should be true")
				}
			},
		},
		{
			name:    "explicit false",
			args:    []string{"serve", "--quiet=false"},
			wantSub: "serve",
			validate: func(t *testing.T, p *ArgParser) {
				if p.BoolFlag("quiet") {
					t.Error("BoolFlag(quiet) should be false")
				}
				if !p.HasFlag("quiet") {
					t.Error("HasFlag(quiet) should be true")
				}
			},
		},
		{
			name:    "double dash ends flags",
			args:    []string{"config", "init", "--", "--odd-name.toml"},
			wantSub: "config",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Positional(2) != "--odd-name.toml" {
					t.Errorf("Positional(2) = %q", p.Positional(2))
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parser := NewArgParser(tt.args)
			if parser.Subcommand() != tt.wantSub {
				t.Errorf("Subcommand() = %q, want %q", parser.Subcommand(), tt.wantSub)
			}
			if tt.validate != nil {
				tt.validate(t, parser)
			}
		})
	}
}

func TestArgParser_EmptyArgs(t *testing.T) {
	p := NewArgParser(nil)
	if p.Subcommand() != "" || p.PositionalCount() != 0 {
		t.Errorf("empty parser: sub=%q count=%d", p.Subcommand(), p.PositionalCount())
	}
	if got := p.FlagOrDefault("config", "kot.toml"); got != "kot.toml" {
		t.Errorf("FlagOrDefault = %q", got)
	}
	if _, err := p.FlagInt("port"); err == nil {
		t.Error("FlagInt on missing flag should fail")
	}
	if p.Positional(1) != "" {
		t.Error("Positional out of range should be empty")
	}
}

// =============================================================================
// COMMAND PARSING TESTS (cli.go)
// =============================================================================

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		argv    []string
		wantCmd Command
		wantErr bool
		check   func(*testing.T, Args)
	}{
		{name: "no args serves", argv: nil, wantCmd: CmdServe},
		{
			name:    "serve with port",
			argv:    []string{"serve", "-p", "8080", "-q"},
			wantCmd: CmdServe,
			check: func(t *testing.T, a Args) {
				if a.Port != 8080 || !a.Quiet {
					t.Errorf("Port=%d Quiet=%v", a.Port, a.Quiet)
				}
			},
		},
		{
			name:    "flags only serves",
			argv:    []string{"--config", "my.toml", "--host", "127.0.0.1"},
			wantCmd: CmdServe,
			check: func(t *testing.T, a Args) {
				if a.ConfigPath != "my.toml" || a.Host != "127.0.0.1" {
					t.Errorf("ConfigPath=%q Host=%q", a.ConfigPath, a.Host)
				}
			},
		},
		{name: "bad port", argv: []string{"--port", "99999"}, wantCmd: CmdHelp, wantErr: true},
		{name: "non-numeric port", argv: []string{"--port", "abc"}, wantCmd: CmdHelp, wantErr: true},
		{
			name:    "config defaults to show",
			argv:    []string{"config"},
			wantCmd: CmdConfig,
			check: func(t *testing.T, a Args) {
				if a.Subcommand != "show" {
					t.Errorf("Subcommand = %q", a.Subcommand)
				}
			},
		},
		{
			name:    "config init path",
			argv:    []string{"config", "init", "out.toml", "--force"},
			wantCmd: CmdConfig,
			check: func(t *testing.T, a Args) {
				if a.Subcommand != "init" || a.Output != "out.toml" || !a.Force {
					t.Errorf("Subcommand=%q Output=%q Force=%v", a.Subcommand, a.Output, a.Force)
				}
			},
		},
		{name: "config unknown", argv: []string{"config", "explode"}, wantCmd: CmdConfig, wantErr: true},
		{name: "version", argv: []string{"version", "--json"}, wantCmd: CmdVersion},
		{name: "version flag", argv: []string{"--version"}, wantCmd: CmdVersion},
		{name: "help flag", argv: []string{"serve", "-h"}, wantCmd: CmdHelp},
		{name: "unknown command", argv: []string{"frobnicate"}, wantCmd: CmdHelp, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, args, err := Parse(tt.argv)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if cmd != tt.wantCmd {
				t.Errorf("Parse() cmd = %v, want %v", cmd, tt.wantCmd)
			}
			if tt.wantErr && ExitCode(err) != ExitUsageError {
				t.Errorf("ExitCode = %d, want %d", ExitCode(err), ExitUsageError)
			}
			if tt.check != nil {
				tt.check(t, args)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	if ExitCode(nil) != ExitSuccess {
		t.Error("nil should map to ExitSuccess")
	}
	if ExitCode(errors.New("boom")) != ExitGeneralError {
		t.Error("plain error should map to ExitGeneralError")
	}
	bad := config.Default()
	bad.Server.Port = 0
	if got := ExitCode(bad.Validate()); got != ExitConfigError {
		t.Errorf("validation error exit code = %d, want %d", got, ExitConfigError)
	}
	wrapped := NewCommandError("serve", "start", NewUsageError("x"))
	if got := ExitCode(wrapped); got != ExitUsageError {
		t.Errorf("wrapped usage error exit code = %d", got)
	}
}

func TestDisplayError_JSON(t *testing.T) {
	var buf bytes.Buffer
	DisplayError(&buf, "config", errors.New("disk full"), true)
	out := buf.String()
	if !strings.Contains(out, `"success": false`) || !strings.Contains(out, "disk full") {
		t.Errorf("JSON error output = %s", out)
	}
}

// =============================================================================
// CONFIG COMMAND TESTS (config.go)
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "SERVER_URL", "OPENROUTER_API_KEY", "MODEL", "DOMAIN", "APP_NAME",
		"SYSTEM_PROMPT", "REQUEST_TIMEOUT", "HISTORY_FILE", "SAVED_CHATS_DIR", "UPLOAD_DIR", "MAX_FILE_SIZE", "MAX_FILES"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kot.toml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "[server]\nport = 4000\nhost = \"0.0.0.0\"\n")

	cfg, err := LoadConfig(Args{ConfigPath: path})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("file port = %d, want 4000", cfg.Server.Port)
	}

	cfg, err = LoadConfig(Args{ConfigPath: path, Port: 5000, Host: "127.0.0.1"})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 5000 || cfg.Server.Host != "127.0.0.1" {
		t.Errorf("flags not applied: %s", cfg.Addr())
	}
}

func TestConfigShow_RedactsKey(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "[upstream]\napi_key = \"sk-or-secret-value\"\n")

	for _, jsonMode := range []bool{false, true} {
		var buf bytes.Buffer
		if err := runConfig(&buf, Args{ConfigPath: path, Subcommand: "show", JSON: jsonMode}); err != nil {
			t.Fatalf("config show (json=%v): %v", jsonMode, err)
		}
		out := buf.String()
		if strings.Contains(out, "sk-or-secret-value") {
			t.Errorf("config show (json=%v) leaked the key:\n%s", jsonMode, out)
		}
		if !strings.Contains(out, "[REDACTED]") {
			t.Errorf("config show (json=%v) missing redaction marker", jsonMode)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	clearEnv(t)

	var buf bytes.Buffer
	ok := writeConfig(t, "[server]\nport = 3001\n")
	if err := runConfig(&buf, Args{ConfigPath: ok, Subcommand: "validate"}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(buf.String(), "OPENROUTER_API_KEY") {
		t.Errorf("expected missing key warning, got %q", buf.String())
	}

	bad := writeConfig(t, "[upstream]\ntemperature = 5.0\n")
	err := runConfig(&buf, Args{ConfigPath: bad, Subcommand: "validate"})
	if err == nil {
		t.Fatal("validate should reject temperature 5.0")
	}
	if ExitCode(err) != ExitConfigError {
		t.Errorf("ExitCode = %d, want %d", ExitCode(err), ExitConfigError)
	}
}

func TestConfigInit(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "kot.toml")

	var buf bytes.Buffer
	if err := runConfig(&buf, Args{Subcommand: "init", Output: path}); err != nil {
		t.Fatalf("init: %v", err)
	}

	cfg, err := LoadConfig(Args{ConfigPath: path})
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.Server.Port != config.DefaultPort {
		t.Errorf("port = %d, want %d", cfg.Server.Port, config.DefaultPort)
	}

	if err := runConfig(&buf, Args{Subcommand: "init", Output: path}); err == nil {
		t.Error("init over an existing file should fail without --force")
	}
	if err := runConfig(&buf, Args{Subcommand: "init", Output: path, Force: true}); err != nil {
		t.Errorf("init --force: %v", err)
	}
}

// =============================================================================
// SERVE WIRING TESTS (serve.go)
// =============================================================================

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.HistoryFile = filepath.Join(dir, "chat_history.json")
	cfg.Storage.SavedChatsDir = filepath.Join(dir, "saved_chats")
	cfg.Storage.UploadDir = filepath.Join(dir, "uploads")
	cfg.Storage.WatchSavedChats = false
	return cfg
}

func TestNewApp(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.WatchSavedChats = true

	app, err := NewApp(cfg)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	if app.Client.IsConfigured() {
		t.Error("client without a key should not be configured")
	}
	if app.History.Len() != 0 || app.Sessions.Count() != 0 {
		t.Errorf("fresh app: history=%d sessions=%d", app.History.Len(), app.Sessions.Count())
	}
	for _, dir := range []string{cfg.Storage.SavedChatsDir, cfg.Storage.UploadDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("%s was not created", dir)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestPrintBanner(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upstream.APIKey = "sk-or-banner-key"

	app, err := NewApp(cfg)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer app.Shutdown(context.Background())

	var buf bytes.Buffer
	PrintBanner(&buf, app)
	out := buf.String()

	for _, want := range []string{"Kot Relay", "localhost:3001", cfg.Upstream.DefaultModel, app.Client.KeyFingerprint()} {
		if !strings.Contains(out, want) {
			t.Errorf("banner missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "sk-or-banner-key") {
		t.Error("banner leaked the API key")
	}
}

// =============================================================================
// TERMINAL TESTS (terminal.go)
// =============================================================================

func TestDetectColors(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		isTTY bool
		want  bool
	}{
		{"tty", nil, true, true},
		{"pipe", nil, false, false},
		{"no color wins", map[string]string{"NO_COLOR": "1", "FORCE_COLOR": "1"}, true, false},
		{"force color on pipe", map[string]string{"FORCE_COLOR": "1"}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			getenv := func(k string) string { return tt.env[k] }
			isTTY := func() bool { return tt.isTTY }
			if got := detectColors(getenv, isTTY); got != tt.want {
				t.Errorf("detectColors() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRenderLabel_AlignsWideRunes(t *testing.T) {
	a := RenderLabel("Model")
	b := RenderLabel("模型")
	if lipgloss.Width(a) != labelWidth || lipgloss.Width(b) != labelWidth {
		t.Errorf("label widths = %d, %d, want %d", lipgloss.Width(a), lipgloss.Width(b), labelWidth)
	}
}
