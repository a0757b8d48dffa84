package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Notifier delivers a Notification attached to a WAITING_USER result.
// It is invoked after the event has been durably persisted as
// WAITING_USER, so a notifier failure never leaves the store out of
// sync with what was (or wasn't) sent; it is only logged.
type Notifier interface {
	Notify(ctx context.Context, eventID string, n Notification) error
}

// NotifierFunc adapts a plain function to the Notifier interface.
type NotifierFunc func(ctx context.Context, eventID string, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, eventID string, n Notification) error {
	return f(ctx, eventID, n)
}

// OrchestratorConfig configures NewOrchestrator. Zero values fall back
// to the documented defaults (§4.7, §4.5).
type OrchestratorConfig struct {
	BatchSize   int
	MaxAttempts int
	IdleSleep   time.Duration
	Backoff     BackoffPolicy
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = time.Second
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff
	}
	return c
}

// Orchestrator implements the poll/claim/dispatch/execute/finalize
// loop of §4.7: it repeatedly lists PENDING events, claims each with an
// optimistic IN_PROGRESS transition, dispatches to the registered
// handler with bounded retry, and finalizes the outcome.
type Orchestrator struct {
	store    *Store
	handlers *HandlerRegistry
	notifier Notifier
	cfg      OrchestratorConfig
	logger   *slog.Logger
}

// NewOrchestrator builds an Orchestrator. handlers may be nil, in which
// case only the built-in UserReplyReceived handler is registered.
// notifier may be nil, in which case WAITING_USER finalization simply
// skips delivery (useful for tests).
func NewOrchestrator(store *Store, handlers *HandlerRegistry, notifier Notifier, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:    store,
		handlers: handlers,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
	if _, ok := handlers.Lookup("UserReplyReceived"); !ok {
		handlers.Register("UserReplyReceived", o.handleUserReplyReceived)
	}
	return o
}

// Run polls and processes events until ctx is canceled, sleeping
// IdleSleep between empty batches.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started", "batch_size", o.cfg.BatchSize, "max_attempts", o.cfg.MaxAttempts)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		processed, err := o.RunOnce(ctx)
		if err != nil {
			return err
		}
		if processed == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.IdleSleep):
			}
		}
	}
}

// RunOnce processes a single batch of pending events and returns how
// many were successfully claimed and run through to finalization.
func (o *Orchestrator) RunOnce(ctx context.Context) (int, error) {
	events, err := o.store.ListPending(o.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}

	processed := 0
	for _, event := range events {
		claimed, ok := o.claimEvent(event)
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		o.processEvent(ctx, claimed)
		processed++
	}
	return processed, nil
}

func (o *Orchestrator) claimEvent(event Event) (Event, bool) {
	inProgress := StatusInProgress
	claimed, err := o.store.updateWithToken(event.EventID, EventUpdate{Status: &inProgress}, &event.UpdatedAt)
	if err == nil {
		o.logger.Info("event claimed", "event_id", claimed.EventID, "type", claimed.Type)
		return claimed, true
	}

	var se StoreError
	if errors.As(err, &se) {
		switch se.Code() {
		case CodeConcurrency:
			o.logger.Warn("claim conflict", "event_id", event.EventID, "type", event.Type)
		case CodeIllegalTransition:
			o.logger.Error("claim hit illegal transition", "event_id", event.EventID, "type", event.Type, "error", err)
		default:
			o.logger.Error("claim failed", "event_id", event.EventID, "type", event.Type, "error", err)
		}
		return Event{}, false
	}
	o.logger.Error("claim failed", "event_id", event.EventID, "type", event.Type, "error", err)
	return Event{}, false
}

func (o *Orchestrator) processEvent(ctx context.Context, event Event) {
	handler, ok := o.handlers.Lookup(event.Type)
	if !ok {
		o.logger.Error("no handler registered", "event_id", event.EventID, "type", event.Type)
		o.failEvent(event, "handler_missing", fmt.Sprintf("no handler registered for %s", event.Type))
		return
	}

	attempt := event.Retries
	for attempt < o.cfg.MaxAttempts {
		result, err := handler(ctx, event)
		if err == nil {
			o.finalizeEvent(ctx, event, result)
			return
		}

		attempt++
		updated, updateErr := o.store.Update(event.EventID, EventUpdate{
			Retries:   &attempt,
			LastError: strPtr(err.Error()),
		})
		if updateErr != nil {
			o.logger.Error("failed to persist retry state", "event_id", event.EventID, "error", updateErr)
			return
		}
		event = updated
		o.logger.Error("handler error", "event_id", event.EventID, "type", event.Type,
			"attempt", attempt, "max_attempts", o.cfg.MaxAttempts, "error", err)

		if attempt >= o.cfg.MaxAttempts {
			o.failEvent(event, "max_retries", err.Error())
			return
		}

		delay := o.cfg.Backoff(attempt)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
	o.failEvent(event, "max_retries", "retry limit reached")
}

func (o *Orchestrator) finalizeEvent(ctx context.Context, event Event, result HandlerResult) {
	clearError := result.Status == StatusCompleted || result.Status == StatusWaitingUser
	updated, err := o.store.Update(event.EventID, result.asUpdate(clearError))
	if err != nil {
		o.logger.Error("failed to finalize event", "event_id", event.EventID, "status", result.Status, "error", err)
		return
	}

	switch updated.Status {
	case StatusCompleted:
		o.logger.Info("event completed", "event_id", updated.EventID, "type", updated.Type)
	case StatusWaitingUser:
		o.logger.Info("event waiting on user", "event_id", updated.EventID, "type", updated.Type, "labels", updated.Labels)
		if result.Notification != nil {
			o.publish(ctx, updated.EventID, *result.Notification)
		}
	case StatusFailed:
		o.logger.Error("event failed", "event_id", updated.EventID, "type", updated.Type, "last_error", updated.LastError)
	}
}

func (o *Orchestrator) failEvent(event Event, reason, message string) {
	failed := StatusFailed
	updated, err := o.store.Update(event.EventID, EventUpdate{
		Status:    &failed,
		LastError: &message,
	})
	if err != nil {
		o.logger.Error("failed to mark event failed", "event_id", event.EventID, "error", err)
		return
	}
	o.logger.Error("event failed", "event_id", updated.EventID, "type", updated.Type, "reason", reason)
}

// RequeueStale lists IN_PROGRESS events whose updated_at is older than
// olderThan and requeues each to PENDING via the normal Update path
// (§9's open question on watchdogging abandoned claims). It is
// operator/maintenance-job tooling, never called from Run/RunOnce —
// a crashed claimant is the only way an event gets stuck here, since
// the orchestrator itself always finalizes what it claims.
func (o *Orchestrator) RequeueStale(olderThan time.Duration) (int, error) {
	const maxScan = 1000
	stuck, err := o.store.ListByStatus(StatusInProgress, maxScan)
	if err != nil {
		return 0, fmt.Errorf("list in-progress: %w", err)
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	requeued := 0
	for _, event := range stuck {
		if event.UpdatedAt.After(cutoff) {
			continue
		}
		pending := StatusPending
		if _, err := o.store.Update(event.EventID, EventUpdate{Status: &pending}); err != nil {
			o.logger.Error("requeue stale failed", "event_id", event.EventID, "error", err)
			continue
		}
		o.logger.Warn("requeued stale event", "event_id", event.EventID, "type", event.Type, "stuck_since", event.UpdatedAt)
		requeued++
	}
	return requeued, nil
}

func (o *Orchestrator) publish(ctx context.Context, eventID string, n Notification) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, eventID, n); err != nil {
		o.logger.Error("notification delivery failed", "event_id", eventID, "error", err)
	}
}

// handleUserReplyReceived is the built-in handler for the
// UserReplyReceived event type (§4.9): it correlates an inbound reply
// back to the WAITING_USER event it answers and resumes it to PENDING.
// A reply with no recoverable event_id, an unknown event, or an event
// no longer in WAITING_USER is acknowledged as completed without error
// (§8: late replies and unknown-event replies are not failures).
func (o *Orchestrator) handleUserReplyReceived(ctx context.Context, event Event) (HandlerResult, error) {
	referencedID, _ := event.Payload["event_id"].(string)
	if referencedID == "" {
		return Completed(nil, nil), nil
	}

	referenced, err := o.store.Get(referencedID)
	if err != nil {
		var se StoreError
		if errors.As(err, &se) && se.Code() == CodeNotFound {
			o.logger.Warn("user reply references unknown event", "referenced_event_id", referencedID)
			return Completed(nil, nil), nil
		}
		return Completed(nil, nil), nil
	}

	if referenced.Status != StatusWaitingUser {
		return Completed(nil, nil), nil
	}

	pending := StatusPending
	patch := EventUpdate{Status: &pending}
	if messageID, ok := event.Payload["message_id"].(string); ok && messageID != "" {
		patch.CorrelationID = &messageID
	}

	if _, err := o.store.Update(referencedID, patch); err != nil {
		o.logger.Warn("user reply resume failed", "referenced_event_id", referencedID, "error", err)
	} else {
		o.logger.Info("user reply received", "referenced_event_id", referencedID)
	}

	return Completed(nil, nil), nil
}

func strPtr(s string) *string { return &s }
