// Copyright 2025 The Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// loomd is the coordination daemon: it multiplexes sessions to the
// configured tool servers and executes submitted runs against them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/admission"
	"github.com/loomctl/loom/internal/artefact"
	"github.com/loomctl/loom/internal/bus"
	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/conn"
	"github.com/loomctl/loom/internal/executor"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/registry"
	"github.com/loomctl/loom/internal/router"
	"github.com/loomctl/loom/internal/store"
	looerrors "github.com/loomctl/loom/pkg/errors"
	"github.com/loomctl/loom/pkg/planner"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

// sweepInterval is how often the artefact retention sweep runs.
const sweepInterval = time.Hour

func main() {
	// Env-configured logging until serve installs the file-configured
	// logger, so config loading failures already log structured.
	slog.SetDefault(log.New(log.FromEnv()))

	root := &cobra.Command{
		Use:           "loomd",
		Short:         "Coordination daemon for tool-server sessions and runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newValidateCommand(), newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "loomd:", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("loomd %s (commit: %s)\n", version, commit)
		},
	}
}

func newValidateCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("configuration valid: %d server(s) configured\n", len(cfg.Servers))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "loom.yaml", "Path to the configuration file")
	return cmd
}

func newServeCommand() *cobra.Command {
	var (
		configPath   string
		storeBackend string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coordination daemon",
		Long: `Start the coordination daemon: connect to every configured tool
server, recover interrupted runs, and accept new ones until a SIGINT or
SIGTERM drains the process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if storeBackend != "" {
				cfg.Store.Backend = storeBackend
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "loom.yaml", "Path to the configuration file")
	cmd.Flags().StringVar(&storeBackend, "store", "", "Override the run store backend (sqlite, memory)")
	return cmd
}

func serve(cfg *config.Config) error {
	logCfg := log.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = log.Format(cfg.Log.Format)
	logger := log.New(logCfg)
	slog.SetDefault(logger)

	logger.Info("loomd starting",
		slog.String("version", version),
		slog.Int("servers", len(cfg.Servers)))

	st, err := openStore(cfg)
	if err != nil {
		return looerrors.Wrap(err, "open run store")
	}
	defer st.Close()

	var blobs *artefact.Store
	if cfg.Artefacts.Path != "" {
		blobs, err = artefact.Open(cfg.Artefacts.Path, cfg.Artefacts.Retention.Std())
		if err != nil {
			return looerrors.Wrapf(err, "open artefact store %s", cfg.Artefacts.Path)
		}
		defer blobs.Close()
	}

	reg := registry.New(cfg, logger)
	manager := conn.NewManager(cfg, reg, logger)
	rt := router.New(cfg, reg, manager, logger)
	events := bus.New(0)
	defer events.Close()

	exec := executor.New(cfg, st, blobStore(blobs), events, rt, reg,
		&planner.StaticPlanner{}, &planner.ContractCritic{}, logger)
	svc := admission.New(cfg, st, events, exec, logger)

	if err := svc.Recover(context.Background()); err != nil {
		return looerrors.Wrap(err, "crash recovery")
	}
	manager.Start()

	stopSweep := startSweep(blobs, logger)
	defer stopSweep()

	logger.Info("loomd ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", slog.String("signal", sig.String()))

	svc.Close()
	manager.DrainAndStop(cfg.Sessions.DrainGrace())
	logger.Info("shutdown complete")
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewSQLiteStore(store.SQLiteConfig{
			Path: cfg.Store.Path,
			WAL:  cfg.Store.WAL,
		})
	}
}

// blobStore keeps the executor's nil check honest: a nil *artefact.Store
// inside a non-nil interface would defeat it.
func blobStore(blobs *artefact.Store) executor.BlobStore {
	if blobs == nil {
		return nil
	}
	return blobs
}

// startSweep runs the artefact retention sweep on a timer. Returns a stop
// function.
func startSweep(blobs *artefact.Store, logger *slog.Logger) func() {
	if blobs == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed, err := blobs.Sweep(time.Now())
				if err != nil {
					logger.Warn("artefact sweep failed", slog.Any("error", err))
					continue
				}
				if removed > 0 {
					logger.Info("artefact sweep", slog.Int("removed", removed))
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
