package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zulandar/roundhouse/internal/conductor"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/dashboard"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/relay"
	discordadapter "github.com/zulandar/roundhouse/internal/relay/discord"
	slackadapter "github.com/zulandar/roundhouse/internal/relay/slack"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Roundhouse daemon",
		Long:  "Connects to the configured chat platforms, spawns backend workers per conversation, and serves the status dashboard.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "roundhouse.yaml", "path to Roundhouse config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	adapters, err := buildAdapters(cfg)
	if err != nil {
		return err
	}

	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return fmt.Errorf("open activity log: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	daemon, err := conductor.New(conductor.Opts{
		Config:   cfg,
		Adapters: adapters,
		DB:       gormDB,
		Out:      cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if cfg.Dashboard.Enabled {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				Pool:      daemon.Pool(),
				Tracker:   daemon.Tracker(),
				DB:        gormDB,
				Subscribe: daemon.Subscribe,
				Addr:      cfg.Dashboard.Addr,
				Out:       cmd.OutOrStdout(),
			})
			if err != nil {
				log.Printf("dashboard: %v", err)
			}
		}()
	}

	return daemon.Run(ctx)
}

// buildAdapters creates one adapter per platform with credentials in the
// config. At least one platform must be configured.
func buildAdapters(cfg *config.Config) ([]relay.Adapter, error) {
	var adapters []relay.Adapter

	if cfg.Slack.BotToken != "" {
		a, err := slackadapter.New(slackadapter.AdapterOpts{
			AppToken: cfg.Slack.AppToken,
			BotToken: cfg.Slack.BotToken,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}

	if cfg.Discord.BotToken != "" {
		a, err := discordadapter.New(discordadapter.AdapterOpts{
			BotToken: cfg.Discord.BotToken,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("serve: no chat platform configured (set slack.bot_token or discord.bot_token)")
	}
	return adapters, nil
}
