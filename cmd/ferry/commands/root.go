// Package commands provides the CLI commands for ferry.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ferry-agent/ferry/internal/acp"
	"github.com/ferry-agent/ferry/internal/backend"
	"github.com/ferry-agent/ferry/internal/cancel"
	"github.com/ferry-agent/ferry/internal/config"
	"github.com/ferry-agent/ferry/internal/editor"
	"github.com/ferry-agent/ferry/internal/event"
	"github.com/ferry-agent/ferry/internal/logging"
	"github.com/ferry-agent/ferry/internal/mcp"
	"github.com/ferry-agent/ferry/internal/plan"
	"github.com/ferry-agent/ferry/internal/recorder"
	"github.com/ferry-agent/ferry/internal/session"
	"github.com/ferry-agent/ferry/internal/terminal"
)

// Global flags
var (
	workDir  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "ferry",
	Short: "ferry - ACP agent engine",
	Long: `ferry speaks the agent client protocol over stdio, delegating
reasoning to a configured model backend process.

Run it from an ACP client; stdin and stdout carry newline-delimited
JSON-RPC frames, so logs always go to stderr or a file.`,
	RunE:         runAgent,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workDir, "directory", "d", "", "Working directory for config discovery")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func runAgent(cmd *cobra.Command, args []string) error {
	dir, err := resolveWorkDir(workDir)
	if err != nil {
		return err
	}

	// A .env next to the project config is a development convenience; a
	// missing file is fine.
	_ = godotenv.Load()

	if err := config.EnsureDirs(); err != nil {
		return err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	closeLog, err := logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		File:   cfg.Log.File,
		Pretty: cfg.Log.Pretty,
	})
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	if cfg.Backend.Command == "" {
		return fmt.Errorf("no backend command configured; set backend.command or FERRY_BACKEND")
	}

	deps := acp.Deps{
		Config:    cfg,
		Sessions:  session.NewStore(),
		Cancels:   cancel.NewCoordinator(),
		Events:    event.NewBroadcaster(0),
		Plans:     plan.NewTracker(),
		Backend:   backend.NewProcessClient(cfg.Backend.Command, cfg.Backend.Args...).WithEnv(cfg.Backend.Env),
		MCP:       mcp.NewManager(Version),
		Terminals: terminal.NewRegistry(),
		Buffers:   editor.NewBuffers(),
	}
	if cfg.Recorder.Enabled {
		deps.Recorders = recorder.NewRegistry(cfg.Recorder.Dir)
	}

	server := acp.NewServer(deps, os.Stdin, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("version", Version).Str("directory", dir).Msg("ferry starting")
	return server.Run(ctx)
}

// resolveWorkDir returns the directory from the flag or the process cwd.
func resolveWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
