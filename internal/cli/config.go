// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command: config [show|validate|init]
//
//	kot config                     Show the effective configuration
//	kot config show --json         Same, as a JSON envelope
//	kot config validate            Exit non-zero if the configuration is invalid
//	kot config init [path]         Write defaults to kot.toml (or path)
//	kot config init --force        Overwrite an existing file

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/kot-relay/internal/config"
)

// DefaultConfigFile is where "config init" writes without a path.
const DefaultConfigFile = "kot.toml"

// LoadConfig builds the effective configuration for args: file, then
// environment, then command-line flags.
func LoadConfig(args Args) (*config.Config, error) {
	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		return nil, err
	}
	if args.Host != "" {
		cfg.Server.Host = args.Host
	}
	if args.Port != 0 {
		cfg.Server.Port = args.Port
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// HandleConfig handles the "config" command.
func HandleConfig(args Args) error {
	return runConfig(os.Stdout, args)
}

func runConfig(w io.Writer, args Args) error {
	switch args.Subcommand {
	case "", "show":
		return configShow(w, args)
	case "validate":
		return configValidate(w, args)
	case "init":
		return configInit(w, args)
	}
	return NewUsageError(fmt.Sprintf("unknown config subcommand %q", args.Subcommand))
}

func configShow(w io.Writer, args Args) error {
	cfg, err := LoadConfig(args)
	if err != nil {
		return err
	}
	safe := cfg.Redacted()

	if args.JSON {
		return NewJSONResponse("config show", safe).Print(w)
	}

	fmt.Fprintln(w, TitleStyle.Render("Kot Relay Configuration"))
	fmt.Fprintln(w, RenderSeparator())
	if err := toml.NewEncoder(w).Encode(safe); err != nil {
		return NewCommandError("config", "show", err)
	}
	return nil
}

// configWarnings lists settings that are valid but degrade the relay.
func configWarnings(cfg *config.Config) []string {
	var warnings []string
	if cfg.Upstream.APIKey == "" {
		warnings = append(warnings, "OPENROUTER_API_KEY is not set; completions will fail until it is")
	}
	if cfg.Storage.HistoryFile == "" {
		warnings = append(warnings, "storage.history_file is empty; the transcript is kept in memory only")
	}
	return warnings
}

func configValidate(w io.Writer, args Args) error {
	cfg, err := LoadConfig(args)
	if err != nil {
		return err
	}
	warnings := configWarnings(cfg)

	if args.JSON {
		return NewJSONResponse("config validate", map[string]interface{}{
			"valid":    true,
			"warnings": warnings,
		}).Print(w)
	}

	fmt.Fprintf(w, "%s configuration is valid\n", RenderStatus("ok"))
	for _, warning := range warnings {
		fmt.Fprintf(w, "%s %s\n", RenderStatus("warn"), warning)
	}
	return nil
}

func configInit(w io.Writer, args Args) error {
	path := args.Output
	if path == "" {
		path = DefaultConfigFile
	}

	if _, err := os.Stat(path); err == nil && !args.Force {
		return NewCommandError("config", "init", fmt.Errorf("%s already exists (use --force to overwrite)", path))
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return NewCommandError("config", "init", err)
	}

	if err := config.SaveTOML(config.Default(), path); err != nil {
		return NewCommandError("config", "init", err)
	}

	if args.JSON {
		return NewJSONResponse("config init", map[string]string{"path": path}).Print(w)
	}
	fmt.Fprintf(w, "%s wrote %s\n", RenderStatus("ok"), path)
	return nil
}
