// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/USA-RedDragon/configulator"
	"github.com/lmittmann/tint"
	"github.com/roomhub/overlay/internal/config"
	"github.com/roomhub/overlay/internal/events"
	"github.com/roomhub/overlay/internal/oracle"
	"github.com/roomhub/overlay/internal/overlay"
	"github.com/roomhub/overlay/internal/telemetry"
	"github.com/spf13/cobra"
)

// NewCommand builds the overlay mesh's CLI entrypoint.
func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "overlay",
		Version: fmt.Sprintf("%s - %s", version, commit),
		Annotations: map[string]string{
			"version": version,
			"commit":  commit,
		},
		RunE:              runRoot,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	return cmd
}

func runRoot(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	fmt.Printf("overlay - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	setupLogger(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		metrics = telemetry.New()
	}
	bus := events.NewBus()
	bus.RegisterStateChangeListener(func(reason events.Reason, changes map[string]any) {
		slog.Debug("state change", "reason", reason, "changes", changes)
	})

	mgr := overlay.NewManager(bus, metrics)
	seedDemoMesh(mgr, cfg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := mgr.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start manager: %w", err)
	}

	waitForShutdown(ctx, cancel, mgr)
	return nil
}

// loadConfig loads the configuration from context, the same way the
// teacher's internal/cmd/root.go pulls its Configulator off cmd.Context().
func loadConfig(ctx context.Context) (config.Config, error) {
	c, err := configulator.FromContext[config.Config](ctx)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to get config from context: %w", err)
	}

	cfg, err := c.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// setupLogger configures the structured logger.
func setupLogger(cfg config.Config) {
	var logger *slog.Logger
	switch cfg.LogLevel {
	case config.LogLevelDebug:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug}))
	case config.LogLevelInfo:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	case config.LogLevelWarn:
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelWarn}))
	case config.LogLevelError:
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelError}))
	default:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	}
	slog.SetDefault(logger)
}

// seedDemoMesh stands up a small chain of room hubs and a single AI-backed
// device so the binary has something to route packets through out of the
// box. It never wires a real oracle.Client — the chat-completion backend a
// deployment uses is an external collaborator supplied by the caller.
func seedDemoMesh(mgr *overlay.Manager, cfg config.Config) {
	lobby := mgr.CreateRoomHub(cfg.NetworkName + "-lobby")
	hallway := mgr.CreateRoomHub(cfg.NetworkName + "-hallway")
	study := mgr.CreateRoomHub(cfg.NetworkName + "-study")

	if err := mgr.ConnectRoomHubs(lobby.ID(), hallway.ID()); err != nil {
		slog.Warn("failed to connect lobby to hallway", "error", err)
	}
	if err := mgr.ConnectRoomHubs(hallway.ID(), study.ID()); err != nil {
		slog.Warn("failed to connect hallway to study", "error", err)
	}

	device := mgr.CreateDevice(&oracle.ScriptedClient{}, overlay.DeviceConfig{
		Name:      "nova",
		CoolTime:  cfg.Device.DefaultCoolTime,
		Timeout:   cfg.Device.DefaultTimeOut,
		Situation: "You are exploring a small overlay mesh.",
	})
	if err := device.JoinHub(lobby.ID(), func() error {
		return mgr.ConnectDeviceToHub(device.ID(), lobby.ID())
	}); err != nil {
		slog.Warn("failed to join demo device to lobby", "error", err)
	}
}

// waitForShutdown blocks until a termination signal or context
// cancellation arrives, then stops the manager with a bounded grace
// period so a stuck device can't hang the process forever.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, mgr *overlay.Manager) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down due to signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("shutting down: context canceled")
	}

	cancel()
	const shutdownTimeout = 10 * time.Second
	done := make(chan error, 1)
	go func() { done <- mgr.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			slog.Error("manager stop returned an error", "error", err)
		}
	case <-time.After(shutdownTimeout):
		slog.Error("shutdown timed out")
	}
}
