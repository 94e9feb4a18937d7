package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Sentinel-Gate/runtimegate/internal/port/outbound"
)

// LifecycleService registers with the Extensions API and follows lifecycle
// events, so Lambda knows the gate is part of the execution environment and
// tells it when to shut down.
type LifecycleService struct {
	api    outbound.ExtensionsAPI
	name   string
	events []string
	logger *slog.Logger
}

// NewLifecycleService creates a LifecycleService registering as name for events.
func NewLifecycleService(api outbound.ExtensionsAPI, name string, events []string, logger *slog.Logger) *LifecycleService {
	return &LifecycleService{
		api:    api,
		name:   name,
		events: events,
		logger: logger,
	}
}

// Run registers and then blocks on the event loop until a SHUTDOWN event,
// ctx cancellation, or an Extensions API failure. onShutdown is called with
// the shutdown reason before Run returns nil for SHUTDOWN.
func (s *LifecycleService) Run(ctx context.Context, onShutdown func(reason string)) error {
	id, err := s.api.Register(ctx, s.name, s.events)
	if err != nil {
		return fmt.Errorf("extension registration: %w", err)
	}
	s.logger.Info("registered with extensions api", "name", s.name, "events", s.events)

	for {
		ev, err := s.api.NextEvent(ctx, id)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("extension event loop: %w", err)
		}

		switch ev.EventType {
		case outbound.EventShutdown:
			s.logger.Info("shutdown event received", "reason", ev.ShutdownReason, "deadline_ms", ev.DeadlineMs)
			if onShutdown != nil {
				onShutdown(ev.ShutdownReason)
			}
			return nil
		case outbound.EventInvoke:
			s.logger.Debug("invoke event", "lambda_request_id", ev.RequestID, "deadline_ms", ev.DeadlineMs)
		default:
			s.logger.Warn("unknown extension event", "event_type", ev.EventType)
		}
	}
}
