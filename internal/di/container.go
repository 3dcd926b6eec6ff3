package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/platform/config"
	"github.com/storefront/api/internal/repositories"
	"github.com/storefront/api/internal/services"
)

// Services bundles the service-layer objects that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Carts    *services.CartSessions
	Promos   *services.PromoResolver
	Ledger   *services.OrderLedger
	Checkout *services.CheckoutService
	Gateway  *payments.LiqPayGateway
	System   *services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// Option supplies optional collaborators that live outside the registry.
type Option func(*containerOptions)

type containerOptions struct {
	clock   func() time.Time
	build   services.BuildInfo
	events  services.OrderEventPublisher
	archive services.CallbackArchiver
	loggers map[string]services.Logger
}

func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = build
	}
}

// WithOrderEvents publishes ledger commits.
func WithOrderEvents(publisher services.OrderEventPublisher) Option {
	return func(o *containerOptions) {
		o.events = publisher
	}
}

// WithCallbackArchive keeps verified payment callbacks.
func WithCallbackArchive(archive services.CallbackArchiver) Option {
	return func(o *containerOptions) {
		o.archive = archive
	}
}

// WithLogger sets the event logger for a component ("cart", "checkout", "orders").
func WithLogger(component string, logger services.Logger) Option {
	return func(o *containerOptions) {
		if logger != nil {
			o.loggers[component] = logger
		}
	}
}

// NewContainer constructs the runtime dependencies. Production wiring provides Firestore or
// Redis backed registries, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	options := containerOptions{clock: time.Now, loggers: make(map[string]services.Logger)}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	svc, err := buildServices(ctx, reg, cfg, options)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close flushes pending cart writes and releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Services.Carts != nil {
		if err := c.Services.Carts.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush carts: %w", err))
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, opts containerOptions) (Services, error) {
	var svc Services

	gateway, err := payments.NewLiqPayGateway(payments.LiqPayConfig{
		PublicKey:   cfg.LiqPay.PublicKey,
		PrivateKey:  cfg.LiqPay.PrivateKey,
		CheckoutURL: cfg.LiqPay.CheckoutURL,
		ServerURL:   cfg.LiqPay.ServerURL,
		ResultURL:   cfg.LiqPay.ResultURL,
		Language:    cfg.LiqPay.Language,
		Sandbox:     cfg.LiqPay.Sandbox,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build liqpay gateway: %w", err)
	}
	svc.Gateway = gateway

	snapshots := reg.CartSnapshots()
	if snapshots == nil {
		return Services{}, errors.New("build cart sessions: cart snapshot repository is required")
	}
	carts, err := services.NewCartSessions(services.CartSessionsDeps{
		Snapshots:      snapshots,
		Clock:          opts.clock,
		Logger:         opts.loggers["cart"],
		PersistTimeout: cfg.Cart.PersistTimeout,
		IdleTTL:        cfg.Cart.IdleTTL,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart sessions: %w", err)
	}
	svc.Carts = carts

	promos, err := services.NewPromoResolver(services.PromoResolverDeps{
		Catalog:       promoCatalog(cfg.Promotions.Catalog),
		EnforceExpiry: cfg.Promotions.EnforceExpiry,
		Clock:         opts.clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build promo resolver: %w", err)
	}
	svc.Promos = promos

	ledger, err := services.NewOrderLedger(services.OrderLedgerDeps{
		Orders:   reg.Orders(),
		Verifier: gateway,
		Events:   opts.events,
		Archive:  opts.archive,
		Clock:    opts.clock,
		Logger:   opts.loggers["orders"],
		Currency: cfg.Checkout.Currency,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order ledger: %w", err)
	}
	svc.Ledger = ledger

	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Carts:        carts,
		Promos:       promos,
		Ledger:       ledger,
		Gateway:      gateway,
		PickupPoints: pickupPoints(cfg.Checkout.PickupPoints),
		Currency:     cfg.Checkout.Currency,
		CODPrefix:    cfg.Checkout.CashOnDeliveryPrefix,
		OnlinePrefix: cfg.Checkout.OnlinePrefix,
		ResultDomain: cfg.LiqPay.ResultDomain,
		Clock:        opts.clock,
		Logger:       opts.loggers["checkout"],
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkout

	if healthRepo := reg.Health(); healthRepo != nil {
		build := opts.build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		if build.StartedAt.IsZero() {
			build.StartedAt = opts.clock().UTC()
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            opts.clock,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}

func promoCatalog(entries []config.PromoEntry) []domain.PromoCode {
	out := make([]domain.PromoCode, 0, len(entries))
	for _, entry := range entries {
		out = append(out, domain.PromoCode{
			Code:            entry.Code,
			DiscountPercent: entry.DiscountPercent,
			MinOrderAmount:  entry.MinOrderAmount,
			ValidUntil:      entry.ValidUntil,
		})
	}
	return out
}

func pickupPoints(points []config.PickupPoint) []domain.PickupPoint {
	out := make([]domain.PickupPoint, 0, len(points))
	for _, point := range points {
		out = append(out, domain.PickupPoint{ID: point.ID, Address: point.Address})
	}
	return out
}
