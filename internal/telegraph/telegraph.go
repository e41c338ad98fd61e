package telegraph

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/order"
)

// Daemon is the main telegraph process. It connects the staff platform and
// the optional customer chat, and pumps inbound traffic from both until the
// context is cancelled.
type Daemon struct {
	platform Platform
	customer CustomerChat
	registry *Registry
	orders   order.Store
	operator Operator
	isAdmin  func(string) bool
	logger   *zap.Logger
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Platform Platform
	Customer CustomerChat // optional; nil disables the customer relay
	Registry *Registry
	Orders   order.Store
	Operator Operator
	IsAdmin  func(userID string) bool
	Logger   *zap.Logger
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Platform == nil {
		return nil, fmt.Errorf("telegraph: platform is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("telegraph: registry is required")
	}
	if opts.Orders == nil {
		return nil, fmt.Errorf("telegraph: orders store is required")
	}
	if opts.Operator == nil {
		return nil, fmt.Errorf("telegraph: operator is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Customer == nil {
		opts.Logger.Info("telegraph: no customer chat configured; customer relay disabled")
	}
	return &Daemon{
		platform: opts.Platform,
		customer: opts.Customer,
		registry: opts.Registry,
		orders:   opts.Orders,
		operator: opts.Operator,
		isAdmin:  opts.IsAdmin,
		logger:   opts.Logger,
	}, nil
}

// Run connects both surfaces, builds the router, and blocks until the
// context is cancelled. On shutdown it closes both connections.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("telegraph: connecting", zap.String("platform", d.platform.Name()))
	if err := d.platform.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}

	cmdHandler, err := NewCommandHandler(CommandHandlerOpts{
		Orders:   d.orders,
		Registry: d.registry,
		Operator: d.operator,
	})
	if err != nil {
		d.platform.Close()
		return fmt.Errorf("telegraph: build command handler: %w", err)
	}

	router, err := NewRouter(RouterOpts{
		Registry:   d.registry,
		Platform:   d.platform,
		Operator:   d.operator,
		CmdHandler: cmdHandler,
		IsAdmin:    d.isAdmin,
		Logger:     d.logger,
	})
	if err != nil {
		d.platform.Close()
		return fmt.Errorf("telegraph: build router: %w", err)
	}

	inbound, err := d.platform.Listen(ctx)
	if err != nil {
		d.platform.Close()
		return fmt.Errorf("telegraph: listen: %w", err)
	}

	var customerIn <-chan CustomerMessage
	if d.customer != nil {
		if err := d.customer.Connect(ctx); err != nil {
			d.platform.Close()
			return fmt.Errorf("telegraph: connect customer chat: %w", err)
		}
		customerIn, err = d.customer.Listen(ctx)
		if err != nil {
			d.shutdown()
			return fmt.Errorf("telegraph: listen customer chat: %w", err)
		}
	}

	d.logger.Info("telegraph: online", zap.String("platform", d.platform.Name()))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("telegraph: shutting down")
			d.shutdown()
			return nil

		case msg, ok := <-inbound:
			if !ok {
				d.logger.Info("telegraph: inbound channel closed")
				d.shutdown()
				return nil
			}
			router.Handle(ctx, msg)

		case msg, ok := <-customerIn:
			if !ok {
				d.logger.Warn("telegraph: customer channel closed; customer relay stopped")
				customerIn = nil
				continue
			}
			if err := d.operator.RelayFromCustomer(ctx, msg); err != nil {
				d.logger.Warn("telegraph: relay from customer", zap.Int64("chat_id", msg.ChatID), zap.Error(err))
			}
		}
	}
}

func (d *Daemon) shutdown() {
	if d.customer != nil {
		if err := d.customer.Close(); err != nil {
			d.logger.Warn("telegraph: close customer chat", zap.Error(err))
		}
	}
	if err := d.platform.Close(); err != nil {
		d.logger.Warn("telegraph: close platform", zap.Error(err))
	}
}
