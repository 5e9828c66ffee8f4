package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/forgemarket/api/internal/domain"
	"github.com/forgemarket/api/internal/repositories"
)

const (
	orderIDPrefix        = "ord_"
	consultationIDPrefix = "csl_"
	adjustmentIDPrefix   = "adj_"
	timeoutIDPrefix      = "cto_"
	timelineIDPrefix     = "tev_"
	walletTxIDPrefix     = "wtx_"
)

// workflowCore bundles the plumbing every workflow service shares: clock, id
// generation, repository error mapping, timeline appends and event publishing.
type workflowCore struct {
	clock      func() time.Time
	newID      func() string
	unitOfWork repositories.UnitOfWork
	timeline   repositories.TimelineRepository
	events     OrderEventPublisher
	logger     func(ctx context.Context, event string, fields map[string]any)
}

func newWorkflowCore(unit repositories.UnitOfWork, timeline repositories.TimelineRepository, events OrderEventPublisher, clock func() time.Time, idGen func() string, logger func(ctx context.Context, event string, fields map[string]any)) workflowCore {
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	if clock == nil {
		clock = time.Now
	}
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return workflowCore{
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:      idGen,
		unitOfWork: unit,
		timeline:   timeline,
		events:     events,
		logger:     logger,
	}
}

func (c *workflowCore) now() time.Time {
	return c.clock()
}

func (c *workflowCore) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if c.unitOfWork == nil {
		return fn(ctx)
	}
	return c.unitOfWork.RunInTx(ctx, fn)
}

func (c *workflowCore) appendTimeline(ctx context.Context, orderID, eventType, description string, metadata map[string]any) error {
	if c.timeline == nil {
		return nil
	}
	_, err := c.timeline.Append(ctx, domain.TimelineEvent{
		ID:          timelineIDPrefix + c.newID(),
		OrderID:     orderID,
		Type:        eventType,
		Description: description,
		Metadata:    cloneMetadata(metadata),
		CreatedAt:   c.now(),
	})
	return mapRepositoryError(err)
}

func (c *workflowCore) publishEvent(ctx context.Context, event OrderEvent) {
	if c.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := c.events.PublishOrderEvent(ctx, event); err != nil {
		c.logger(ctx, "workflow.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// mapRepositoryError converts categorised persistence failures into workflow sentinels.
func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("workflow: repository unavailable: %w", err)
		}
	}

	return err
}

// isNotFound reports whether err categorises as a missing record.
func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return errors.Is(err, ErrNotFound)
}

// idempotencyKey derives a stable key for a PSP call so re-invocations after a
// partial failure cannot double-charge.
func idempotencyKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:16])
}

func cloneMetadata(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	return maps.Clone(src)
}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	ref := v
	return &ref
}
