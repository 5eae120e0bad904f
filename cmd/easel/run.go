package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zulandar/easel/internal/command"
	"github.com/zulandar/easel/internal/config"
	"github.com/zulandar/easel/internal/dashboard"
	"github.com/zulandar/easel/internal/db"
	"github.com/zulandar/easel/internal/gateway"
	"github.com/zulandar/easel/internal/library"
	"github.com/zulandar/easel/internal/notify"
	"github.com/zulandar/easel/internal/ratelimit"
	"github.com/zulandar/easel/internal/router"
	"github.com/zulandar/easel/internal/tracker"
	"github.com/zulandar/easel/internal/vision"
)

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Easel daemon",
		Long:  "Connects to the Discord gateway, watches the configured channel for Midjourney results, and serves the control API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "easel.yaml", "path to Easel config file")
	return cmd
}

func runDaemon(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	token, err := resolveToken(cfg)
	if err != nil {
		return err
	}

	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return fmt.Errorf("connect to %s store: %w", cfg.DB.Driver, err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	tr := tracker.New(tracker.Opts{DB: gormDB})
	stopSweep, err := tracker.StartSweep(tr, "")
	if err != nil {
		return err
	}
	defer stopSweep()

	limiter := ratelimit.New(ratelimit.LimiterOpts{})

	hub := notify.NewHub(notify.HubOpts{
		DB:      gormDB,
		Desktop: notify.DesktopConfig{Command: cfg.Notify.Command},
	})

	var alerter *notify.Alerter
	if cfg.Notify.SlackToken != "" && cfg.Notify.SlackChannel != "" {
		alerter, err = notify.NewAlerter(notify.AlerterOpts{
			Token:     cfg.Notify.SlackToken,
			ChannelID: cfg.Notify.SlackChannel,
		})
		if err != nil {
			return err
		}
	}

	session, err := gateway.NewSession(gateway.Opts{
		Token: token,
		OnConnectivity: func(up bool) {
			if alerter != nil {
				alerter.ConnectivityChanged(up)
			}
		},
	})
	if err != nil {
		return err
	}

	lib, err := library.New(library.Opts{
		BaseDir:     cfg.Library.BaseDir,
		AnalysisDir: cfg.AnalysisDir(),
		DB:          gormDB,
	})
	if err != nil {
		return err
	}
	stopBackups, err := library.StartBackups(lib, cfg.BackupDir(), "")
	if err != nil {
		return err
	}
	defer stopBackups()

	dispatcher, err := command.New(command.Opts{
		Session:   session,
		Limiter:   limiter,
		Tracker:   tr,
		Token:     token,
		GuildID:   cfg.Discord.GuildID,
		ChannelID: cfg.Discord.ChannelID,
	})
	if err != nil {
		return err
	}

	rt, err := router.New(router.Opts{
		ChannelID: cfg.Discord.ChannelID,
		Tracker:   tr,
		Store:     lib,
		Sink:      hub,
	})
	if err != nil {
		return err
	}

	dashOpts := dashboard.StartOpts{
		Port:       cfg.Dashboard.Port,
		Session:    session,
		Dispatcher: dispatcher,
		Tracker:    tr,
		Library:    lib,
		Hub:        hub,
		Out:        out,
	}
	if cfg.Anthropic.APIKey != "" {
		analyzer, err := vision.New(vision.Opts{
			APIKey:    cfg.Anthropic.APIKey,
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
			DB:        gormDB,
		})
		if err != nil {
			return err
		}
		dashOpts.Analyzer = analyzer
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go rt.Run(ctx, session.Events())
	go func() {
		if err := dashboard.Start(ctx, dashOpts); err != nil {
			log.Printf("easel: dashboard: %v", err)
		}
	}()

	fmt.Fprintf(out, "Easel watching channel %s (guild %s)\n", cfg.Discord.ChannelID, cfg.Discord.GuildID)
	if err := session.Run(ctx); err != nil {
		return fmt.Errorf("gateway session: %w", err)
	}
	return nil
}

// resolveToken returns the Discord user token from config/env, prompting on
// the terminal as a last resort so the token never has to live on disk.
func resolveToken(cfg *config.Config) (string, error) {
	if cfg.Discord.Token != "" {
		return cfg.Discord.Token, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no discord token: set discord.token or %s", config.TokenEnvVar)
	}
	fmt.Fprint(os.Stderr, "Discord token: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("no discord token provided")
	}
	return string(raw), nil
}
