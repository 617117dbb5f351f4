package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/simbridge/internal/config"
	"github.com/zulandar/simbridge/internal/db"
	"github.com/zulandar/simbridge/internal/notify"
	"github.com/zulandar/simbridge/internal/notify/discord"
	"github.com/zulandar/simbridge/internal/notify/slack"
	"gorm.io/gorm"
)

// loadConfig reads the config file. A missing file at the default path
// yields the built-in defaults; an explicitly named file must exist.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

// openLedger opens and migrates the run ledger. A disabled ledger returns a
// nil database and a ledger that records nothing.
func openLedger(cfg *config.Config, log logrus.FieldLogger) (*db.Ledger, *gorm.DB, error) {
	gdb, err := db.Open(cfg.Ledger.Driver, cfg.Ledger.DSN)
	if err != nil {
		return nil, nil, err
	}
	if gdb == nil {
		return db.NewLedger(nil, log), nil, nil
	}
	if err := db.AutoMigrate(gdb); err != nil {
		db.Close(gdb)
		return nil, nil, err
	}
	return db.NewLedger(gdb, log), gdb, nil
}

// buildNotifier combines the configured alert channels.
func buildNotifier(cfg config.NotifyConfig) (notify.Notifier, error) {
	var ns []notify.Notifier
	if cfg.Slack.ChannelID != "" && cfg.Slack.BotToken != "" {
		n, err := slack.New(slack.Opts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.ChannelID})
		if err != nil {
			return nil, fmt.Errorf("notify: %w", err)
		}
		ns = append(ns, n)
	}
	if cfg.Discord.ChannelID != "" && cfg.Discord.BotToken != "" {
		n, err := discord.New(discord.Opts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Discord.ChannelID})
		if err != nil {
			return nil, fmt.Errorf("notify: %w", err)
		}
		ns = append(ns, n)
	}
	return notify.Combine(ns...), nil
}
