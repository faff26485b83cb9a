// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main runs the session guard agent: it recovers any persisted
// session, keeps tokens fresh, enforces the idle and absolute session
// limits, and watches the state directory for tampering.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeranaias/sessionguard/internal/bus"
	"github.com/jeranaias/sessionguard/internal/config"
	"github.com/jeranaias/sessionguard/internal/facade"
	"github.com/jeranaias/sessionguard/internal/state"
	"github.com/jeranaias/sessionguard/internal/util"
)

const version = "1.0.0"

func main() {
	command := "run"
	var configPath, stateDir string

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; arg {
		case "run", "report":
			command = arg
		case "--config", "-c":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Error: --config requires a path")
				os.Exit(2)
			}
			i++
			configPath = args[i]
		case "--state-dir", "-s":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Error: --state-dir requires a path")
				os.Exit(2)
			}
			i++
			stateDir = args[i]
		case "--help", "-h", "help":
			printHelp()
			return
		case "--version", "-v", "version":
			fmt.Printf("sessionguard v%s\n", version)
			return
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown argument %q\n", arg)
			printHelp()
			os.Exit(2)
		}
	}

	cfg, err := loadConfig(configPath, stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	switch command {
	case "report":
		os.Exit(runReport(cfg))
	default:
		os.Exit(runGuard(cfg))
	}
}

// loadConfig resolves configuration from the given path, the default
// locations and the environment, applying the state-dir override last.
func loadConfig(configPath, stateDir string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	return cfg, nil
}

// runGuard runs the agent until interrupted.
func runGuard(cfg *config.Config) int {
	guard, err := facade.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting session guard: %v\n", err)
		return 1
	}
	defer guard.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := guard.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting monitors: %v\n", err)
		return 1
	}

	switch err := guard.Restore(ctx); {
	case err == nil:
		fmt.Printf("Session %s recovered (%s remaining before idle timeout)\n",
			guard.SessionID(), util.FormatDuration(cfg.Session.IdleTimeout()))
	case errors.Is(err, state.ErrNothingToRestore):
		fmt.Println("No session to recover; waiting for login.")
	default:
		fmt.Fprintf(os.Stderr, "Session recovery declined: %v\n", err)
	}

	guard.OnEvent(bus.EventSessionWarning, func(e bus.Event) {
		fmt.Println("Session expires soon; activity will extend it.")
	})
	guard.OnEvent(bus.EventSessionLogout, func(e bus.Event) {
		fmt.Printf("Session ended: %s\n", e.Reason)
	})
	guard.OnEvent(bus.EventSecurityThreat, func(e bus.Event) {
		fmt.Fprintf(os.Stderr, "Threat detected: %s\n", e.Reason)
	})

	fmt.Printf("sessionguard v%s watching %s\n", version, cfg.StateDir)
	<-ctx.Done()
	fmt.Println("Shutting down.")
	return 0
}

// runReport prints the aggregated risk posture.
func runReport(cfg *config.Config) int {
	guard, err := facade.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening state: %v\n", err)
		return 1
	}
	defer guard.Close()

	report, err := guard.RiskReport()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building report: %v\n", err)
		return 1
	}
	fmt.Print(report.String())
	return 0
}

func printHelp() {
	fmt.Println(`sessionguard v` + version + `

Usage: sessionguard [COMMAND] [OPTIONS]

Commands:
  run              Run the session guard agent (default)
  report           Print the aggregated security posture and exit

Options:
  --config, -c     Path to a TOML or JSON configuration file
  --state-dir, -s  Override the state directory (default ~/.sessionguard)
  --help, -h       Show this help
  --version, -v    Show version

Configuration is read from the state directory's config.toml (or
config.json), then overridden by SESSIONGUARD_* environment variables.`)
}
