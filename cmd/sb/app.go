package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/logger"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/order"
	"github.com/zulandar/signalbox/internal/telegraph"
	"github.com/zulandar/signalbox/internal/telegraph/discord"
	"github.com/zulandar/signalbox/internal/telegraph/slack"
	"github.com/zulandar/signalbox/internal/telegraph/telegram"
	"github.com/zulandar/signalbox/internal/workflow"
)

// newPlatform builds the staff thread platform. Overridable for testing.
var newPlatform = func(cfg *config.Config, log *zap.Logger) (telegraph.Platform, error) {
	switch cfg.Platform.Kind {
	case "discord":
		return discord.New(discord.Opts{
			BotToken:  cfg.Platform.Discord.BotToken,
			ChannelID: cfg.Platform.Channel,
			Logger:    log,
		})
	case "slack":
		return slack.New(slack.Opts{
			AppToken:  cfg.Platform.Slack.AppToken,
			BotToken:  cfg.Platform.Slack.BotToken,
			ChannelID: cfg.Platform.Channel,
			Logger:    log,
		})
	default:
		return nil, fmt.Errorf("unknown platform %q (supported: discord, slack)", cfg.Platform.Kind)
	}
}

// newCustomerChat builds the customer chat, or returns nil when no token
// is configured. Overridable for testing.
var newCustomerChat = func(cfg *config.Config, log *zap.Logger) (telegraph.CustomerChat, error) {
	if cfg.Customer.Telegram.Token == "" {
		return nil, nil
	}
	return telegram.New(telegram.Opts{
		Token:  cfg.Customer.Telegram.Token,
		Logger: log,
	})
}

// app is the wired object graph shared by serve and the admin commands.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *gorm.DB
	platform telegraph.Platform
	customer telegraph.CustomerChat
	registry *telegraph.Registry
	orders   order.Store
	machine  *order.Machine
	cards    *telegraph.CardSyncer
	hub      *notify.Hub
	svc      *workflow.Service

	connected bool
	closers   []func() error
}

// loadApp loads the config at path and wires the app.
func loadApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	return a, nil
}

func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.db, err = db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	if sqlDB, dbErr := a.db.DB(); dbErr == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}
	if err = db.AutoMigrate(a.db); err != nil {
		return nil, err
	}

	a.platform, err = newPlatform(cfg, log.Named("platform"))
	if err != nil {
		return nil, err
	}
	a.customer, err = newCustomerChat(cfg, log.Named("customer"))
	if err != nil {
		return nil, err
	}

	a.registry, err = telegraph.NewRegistry(telegraph.RegistryOpts{
		DB:       a.db,
		Platform: a.platform,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	switch cfg.Orders.Source {
	case "postgres":
		store, sErr := order.NewSQLStore(ctx, order.SQLStoreOpts{
			DSN:     cfg.Orders.DSN,
			Threads: a.registry,
		})
		if sErr != nil {
			return nil, sErr
		}
		a.closers = append(a.closers, store.Close)
		a.orders = store
	default:
		store, sErr := order.NewGormStore(a.db)
		if sErr != nil {
			return nil, sErr
		}
		a.orders = store
	}

	a.cards, err = telegraph.NewCardSyncer(telegraph.CardSyncerOpts{
		Registry: a.registry,
		Platform: a.platform,
		Orders:   a.orders,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	a.machine, err = order.NewMachine(order.MachineOpts{
		Store:        a.orders,
		MaxRevisions: cfg.Workflow.MaxRevisions,
	})
	if err != nil {
		return nil, err
	}
	a.hub = notify.NewHub(notify.HubOpts{
		MaxConnsPerUser: cfg.Server.MaxConnsPerUser,
		Logger:          log.Named("notify"),
	})
	a.closers = append(a.closers, a.hub.Close)

	a.svc, err = workflow.New(workflow.Opts{
		Machine:     a.machine,
		Registry:    a.registry,
		Cards:       a.cards,
		Platform:    a.platform,
		Hub:         a.hub,
		Customer:    a.customer,
		SyncTimeout: cfg.Workflow.SyncTimeout(),
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// connect opens the platform connection for one-shot commands that post
// to threads. serve leaves this to the daemon.
func (a *app) connect(ctx context.Context) error {
	if err := a.platform.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", a.platform.Name(), err)
	}
	a.connected = true
	return nil
}

// Close releases everything buildApp opened, newest first.
func (a *app) Close() error {
	var errs []error
	if a.connected {
		errs = append(errs, a.platform.Close())
		a.connected = false
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}
