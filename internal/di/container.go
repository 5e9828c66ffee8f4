package di

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/forgemarket/api/internal/platform/config"
	"github.com/forgemarket/api/internal/repositories"
	"github.com/forgemarket/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Escrow        services.EscrowService
	Consultations services.ConsultationService
	Adjustments   services.AdjustmentService
	Workflow      services.OrderWorkflowService
}

// Dependencies carries infrastructure collaborators the container cannot build itself.
type Dependencies struct {
	Gateway services.PaymentGateway
	Events  services.OrderEventPublisher
	Logger  *zap.Logger
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides the real
// payment gateway and event publisher, while tests can supply stubs.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Dependencies) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment gateway is required")
	}

	svc, err := buildServices(reg, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients or connection pools.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(reg repositories.Registry, cfg config.Config, deps Dependencies) (Services, error) {
	var svc Services

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logFields := func(ctx context.Context, event string, fields map[string]any) {
		zapped := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapped = append(zapped, zap.Any(key, value))
		}
		logger.Info(event, zapped...)
	}

	escrow, err := services.NewEscrowService(services.EscrowServiceDeps{
		Orders:     reg.Orders(),
		Wallets:    reg.Wallets(),
		Timeline:   reg.Timeline(),
		Gateway:    deps.Gateway,
		Currency:   cfg.PSP.Currency,
		UnitOfWork: reg,
		Events:     deps.Events,
		Logger:     logFields,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build escrow service: %w", err)
	}
	svc.Escrow = escrow

	consultations, err := services.NewConsultationService(services.ConsultationServiceDeps{
		Orders:        reg.Orders(),
		Consultations: reg.Consultations(),
		Adjustments:   reg.Adjustments(),
		Timeouts:      reg.Timeouts(),
		Timeline:      reg.Timeline(),
		UnitOfWork:    reg,
		Events:        deps.Events,
		Logger:        logFields,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build consultation service: %w", err)
	}
	svc.Consultations = consultations

	adjustments, err := services.NewAdjustmentService(services.AdjustmentServiceDeps{
		Orders:      reg.Orders(),
		Adjustments: reg.Adjustments(),
		Timeouts:    reg.Timeouts(),
		Timeline:    reg.Timeline(),
		Gateway:     deps.Gateway,
		Currency:    cfg.PSP.Currency,
		UnitOfWork:  reg,
		Events:      deps.Events,
		Logger:      logFields,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build adjustment service: %w", err)
	}
	svc.Adjustments = adjustments

	workflow, err := services.NewOrderWorkflowService(services.WorkflowServiceDeps{
		Escrow:           escrow,
		Consultations:    consultations,
		Orders:           reg.Orders(),
		ConsultationRepo: reg.Consultations(),
		Adjustments:      reg.Adjustments(),
		Timeouts:         reg.Timeouts(),
		Timeline:         reg.Timeline(),
		UnitOfWork:       reg,
		Events:           deps.Events,
		Logger:           logFields,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build workflow service: %w", err)
	}
	svc.Workflow = workflow

	return svc, nil
}
