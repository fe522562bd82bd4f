package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/grid402/canvas/internal/app/notify"
	"github.com/grid402/canvas/internal/app/pricing"
	canvassvc "github.com/grid402/canvas/internal/app/services/canvas"
	"github.com/grid402/canvas/internal/app/storage"
	"github.com/grid402/canvas/internal/app/storage/memory"
	"github.com/grid402/canvas/internal/app/system"
	"github.com/grid402/canvas/internal/app/x402"
	"github.com/grid402/canvas/pkg/logger"
)

// Stores encapsulates persistence dependencies. A nil store defaults to the
// in-memory implementation.
type Stores struct {
	Ledger storage.LedgerStore
}

// Options carries the payment wiring for the application.
type Options struct {
	// Network is the settlement network for claims.
	Network string

	// PayTo is the merchant address that receives claim payments.
	PayTo string

	// FacilitatorURL is the base URL of the x402 facilitator service.
	FacilitatorURL string

	// BasePrice is the first-claim price in USDC atomic units. Zero selects
	// the default of one cent.
	BasePrice int64

	// GridSize, MaxClaimsPerCell, and MaxBatchSize bound claim requests.
	// Zero values select the canvas service defaults.
	GridSize         int
	MaxClaimsPerCell int
	MaxBatchSize     int

	// Facilitator overrides the HTTP facilitator, used by tests.
	Facilitator x402.Facilitator
}

// Application ties the canvas service and its collaborators together and
// manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Canvas *canvassvc.Service
	Hub    *notify.Hub
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if stores.Ledger == nil {
		stores.Ledger = memory.New()
	}
	if opts.Network == "" {
		opts.Network = "base-sepolia"
	}
	if opts.PayTo == "" {
		return nil, fmt.Errorf("merchant pay-to address is required")
	}

	builder, err := x402.NewBuilder(opts.Network, opts.PayTo)
	if err != nil {
		return nil, err
	}

	facilitator := opts.Facilitator
	if facilitator == nil {
		url := opts.FacilitatorURL
		if url == "" {
			url = "https://x402.org/facilitator"
		}
		client := &http.Client{Timeout: 30 * time.Second}
		facilitator, err = x402.NewHTTPFacilitator(url, client, log.WithField("component", "facilitator"))
		if err != nil {
			return nil, err
		}
	}

	hub := notify.NewHub(log.WithField("component", "notify"))
	engine := pricing.NewEngine(pricing.Amount(opts.BasePrice))
	limits := canvassvc.Limits{
		GridSize:         opts.GridSize,
		MaxClaimsPerCell: opts.MaxClaimsPerCell,
		MaxBatchSize:     opts.MaxBatchSize,
	}
	canvasService := canvassvc.New(stores.Ledger, engine, builder, facilitator, hub, limits, log.WithField("component", "canvas"))

	manager := system.NewManager()
	if err := manager.Register(system.NoopService{ServiceName: "canvas"}); err != nil {
		return nil, fmt.Errorf("register canvas service: %w", err)
	}
	if err := manager.Register(&hubService{hub: hub}); err != nil {
		return nil, fmt.Errorf("register notify service: %w", err)
	}

	return &Application{
		manager: manager,
		log:     log,
		Canvas:  canvasService,
		Hub:     hub,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

type hubService struct {
	hub *notify.Hub
}

func (s *hubService) Name() string                  { return "notify" }
func (s *hubService) Start(_ context.Context) error { return nil }
func (s *hubService) Stop(_ context.Context) error {
	s.hub.Close()
	return nil
}
