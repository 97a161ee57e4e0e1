// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdServe Command = iota
	CmdConfig
	CmdVersion
	CmdHelp
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CmdServe:
		return "serve"
	case CmdConfig:
		return "config"
	case CmdVersion:
		return "version"
	case CmdHelp:
		return "help"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	Quiet      bool
	JSON       bool
	ConfigPath string

	// serve
	Host string
	Port int

	// config
	Subcommand string
	Output     string
	Force      bool
}

const usageText = `kot - chat relay between browser clients and OpenRouter

Usage:
  kot [serve] [flags]          Start the relay (default)
  kot config show              Print the effective configuration (key redacted)
  kot config validate          Check the configuration and exit
  kot config init [path]       Write a default kot.toml
  kot version                  Show version information
  kot help                     Show this help

Flags:
  -c, --config <path>          Config file (TOML or JSON). Default: kot.toml, kot.json
  -p, --port <n>               Listen port (overrides config and PORT)
      --host <addr>            Listen interface
  -q, --quiet                  Skip the startup banner
      --json                   JSON output for config and version
      --force                  Overwrite an existing file on config init

Environment:
  OPENROUTER_API_KEY           Upstream API key (required for completions)
  PORT, MODEL, DOMAIN, APP_NAME, SYSTEM_PROMPT, REQUEST_TIMEOUT
  HISTORY_FILE, SAVED_CHATS_DIR, UPLOAD_DIR, MAX_FILE_SIZE, MAX_FILES
  NO_COLOR, FORCE_COLOR        Terminal color control

Version: %s
`

// PrintUsage prints the help text to w.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, usageText, Version)
}

// PrintVersion prints version information to w.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "kot version %s\n", Version)
	fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Build date: %s\n", BuildDate)
	fmt.Fprintf(w, "  Go version: %s\n", runtime.Version())
}

// =============================================================================
// PARSING
// =============================================================================

// Parse parses argv (without the program name).
func Parse(argv []string) (Command, Args, error) {
	p := NewArgParser(argv)

	args := Args{
		Quiet:      p.BoolFlag("q") || p.BoolFlag("quiet"),
		JSON:       p.BoolFlag("json"),
		ConfigPath: p.FlagOrDefault("config", p.Flag("c")),
		Host:       p.Flag("host"),
		Output:     p.Flag("output"),
		Force:      p.BoolFlag("force"),
	}

	if p.HasFlag("port") || p.HasFlag("p") {
		name := "port"
		if !p.HasFlag("port") {
			name = "p"
		}
		port, err := p.FlagInt(name)
		if err != nil || port < 1 || port > 65535 {
			return CmdHelp, args, NewUsageError(fmt.Sprintf("invalid port %q", p.Flag(name)))
		}
		args.Port = port
	}

	if p.BoolFlag("h") || p.BoolFlag("help") {
		return CmdHelp, args, nil
	}
	if p.BoolFlag("V") || p.BoolFlag("version") {
		return CmdVersion, args, nil
	}

	if p.PositionalCount() == 0 {
		return CmdServe, args, nil
	}

	name := strings.ToLower(p.Subcommand())

	switch name {
	case "serve", "start":
		return CmdServe, args, nil
	case "config":
		args.Subcommand = strings.ToLower(p.Positional(1))
		if args.Subcommand == "" {
			args.Subcommand = "show"
		}
		if args.Subcommand == "init" && args.Output == "" {
			args.Output = p.Positional(2)
		}
		switch args.Subcommand {
		case "show", "validate", "init":
			return CmdConfig, args, nil
		}
		return CmdConfig, args, NewUsageError(fmt.Sprintf("unknown config subcommand %q", args.Subcommand))
	case "version":
		return CmdVersion, args, nil
	case "help":
		return CmdHelp, args, nil
	}
	return CmdHelp, args, NewUsageError(fmt.Sprintf("unknown command %q", name))
}

// =============================================================================
// SIMPLE COMMANDS
// =============================================================================

// VersionData is the JSON shape of "kot version --json".
type VersionData struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// HandleVersion handles the "version" command.
func HandleVersion(args Args) error {
	if args.JSON {
		return NewJSONResponse("version", VersionData{
			Version:   Version,
			GitCommit: GitCommit,
			BuildDate: BuildDate,
			GoVersion: runtime.Version(),
		}).Print(os.Stdout)
	}
	PrintVersion(os.Stdout)
	return nil
}

// HandleHelp handles the "help" command.
func HandleHelp() error {
	PrintUsage(os.Stdout)
	return nil
}
