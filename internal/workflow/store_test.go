package workflow

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "workflow_test.db")
	s, err := NewStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateEventAndGet(t *testing.T) {
	s := newTestStore(t)

	event, err := s.CreateEventWithFreshID("literature_review", map[string]any{"topic": "solar flares"}, []string{"research"})
	if err != nil {
		t.Fatalf("CreateEventWithFreshID: %v", err)
	}
	if event.Status != StatusPending {
		t.Errorf("Status = %q, want PENDING", event.Status)
	}

	got, err := s.Get(event.EventID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.EventID != event.EventID {
		t.Errorf("EventID = %q, want %q", got.EventID, event.EventID)
	}
	if got.Payload["topic"] != "solar flares" {
		t.Errorf("Payload[topic] = %v, want %q", got.Payload["topic"], "solar flares")
	}
	if len(got.Labels) != 1 || got.Labels[0] != "research" {
		t.Errorf("Labels = %v, want [research]", got.Labels)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("EVT-20260101000000-MISSING00")
	var se StoreError
	if !errors.As(err, &se) || se.Code() != CodeNotFound {
		t.Fatalf("Get error = %v, want NotFound", err)
	}
}

func TestCreateEvent_DuplicateKey(t *testing.T) {
	s := newTestStore(t)

	event, err := NewEvent("literature_review", nil, nil)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := s.CreateEvent(event); err != nil {
		t.Fatalf("first CreateEvent: %v", err)
	}
	err = s.CreateEvent(event)
	var se StoreError
	if !errors.As(err, &se) || se.Code() != CodeDuplicateKey {
		t.Fatalf("second CreateEvent error = %v, want DuplicateKey", err)
	}
}

func TestUpdate_ValidTransitionAndConcurrencyToken(t *testing.T) {
	s := newTestStore(t)

	event, err := s.CreateEventWithFreshID("literature_review", nil, nil)
	if err != nil {
		t.Fatalf("CreateEventWithFreshID: %v", err)
	}

	inProgress := StatusInProgress
	updated, err := s.Update(event.EventID, EventUpdate{Status: &inProgress})
	if err != nil {
		t.Fatalf("Update to IN_PROGRESS: %v", err)
	}
	if updated.Status != StatusInProgress {
		t.Errorf("Status = %q, want IN_PROGRESS", updated.Status)
	}
	if !updated.UpdatedAt.After(event.UpdatedAt) {
		t.Error("UpdatedAt did not advance")
	}
}

func TestUpdate_IllegalTransitionRejected(t *testing.T) {
	s := newTestStore(t)

	event, err := s.CreateEventWithFreshID("literature_review", nil, nil)
	if err != nil {
		t.Fatalf("CreateEventWithFreshID: %v", err)
	}

	completed := StatusCompleted
	_, err = s.Update(event.EventID, EventUpdate{Status: &completed})
	var se StoreError
	if !errors.As(err, &se) || se.Code() != CodeIllegalTransition {
		t.Fatalf("Update PENDING->COMPLETED error = %v, want IllegalTransition", err)
	}

	got, err := s.Get(event.EventID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Status after rejected transition = %q, want PENDING unchanged", got.Status)
	}
}

func TestUpdate_StaleTokenIsConcurrencyError(t *testing.T) {
	s := newTestStore(t)

	event, err := s.CreateEventWithFreshID("literature_review", nil, nil)
	if err != nil {
		t.Fatalf("CreateEventWithFreshID: %v", err)
	}

	inProgress := StatusInProgress
	if _, err := s.Update(event.EventID, EventUpdate{Status: &inProgress}); err != nil {
		t.Fatalf("first Update: %v", err)
	}

	// event.UpdatedAt is now stale; a second caller racing on the same
	// read should see its write rejected.
	waitingUser := StatusWaitingUser
	staleToken := event.UpdatedAt
	_, err = s.updateWithToken(event.EventID, EventUpdate{Status: &waitingUser}, &staleToken)
	var se StoreError
	if !errors.As(err, &se) || se.Code() != CodeConcurrency {
		t.Fatalf("stale-token Update error = %v, want Concurrency", err)
	}
}

func TestListPending_OrderedOldestFirst(t *testing.T) {
	s := newTestStore(t)

	first, err := s.CreateEventWithFreshID("literature_review", nil, nil)
	if err != nil {
		t.Fatalf("CreateEventWithFreshID first: %v", err)
	}
	second, err := s.CreateEventWithFreshID("literature_review", nil, nil)
	if err != nil {
		t.Fatalf("CreateEventWithFreshID second: %v", err)
	}

	pending, err := s.ListPending(10)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("len(pending) = %d, want 2", len(pending))
	}
	if pending[0].EventID != first.EventID || pending[1].EventID != second.EventID {
		t.Errorf("ListPending order = [%s %s], want [%s %s]",
			pending[0].EventID, pending[1].EventID, first.EventID, second.EventID)
	}
}

func TestListPending_ZeroLimitReturnsEmpty(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateEventWithFreshID("literature_review", nil, nil); err != nil {
		t.Fatalf("CreateEventWithFreshID: %v", err)
	}

	pending, err := s.ListPending(0)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("len(pending) = %d, want 0", len(pending))
	}
}

func TestUpsertLabel_IdempotentAndPreservesExisting(t *testing.T) {
	s := newTestStore(t)

	event, err := s.CreateEventWithFreshID("literature_review", nil, []string{"alpha"})
	if err != nil {
		t.Fatalf("CreateEventWithFreshID: %v", err)
	}

	if err := s.UpsertLabel(event.EventID, "beta"); err != nil {
		t.Fatalf("UpsertLabel beta: %v", err)
	}
	if err := s.UpsertLabel(event.EventID, "beta"); err != nil {
		t.Fatalf("UpsertLabel beta again: %v", err)
	}

	got, err := s.Get(event.EventID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Labels) != 2 {
		t.Fatalf("Labels = %v, want 2 entries", got.Labels)
	}
}

func TestListEvents_FilterByCorrelationID(t *testing.T) {
	s := newTestStore(t)

	a, err := s.CreateEventWithFreshID("literature_review", nil, nil)
	if err != nil {
		t.Fatalf("CreateEventWithFreshID a: %v", err)
	}
	if _, err := s.CreateEventWithFreshID("literature_review", nil, nil); err != nil {
		t.Fatalf("CreateEventWithFreshID b: %v", err)
	}

	corrID := "msg-123@example.com"
	waitingUser := StatusWaitingUser
	inProgress := StatusInProgress
	if _, err := s.Update(a.EventID, EventUpdate{Status: &inProgress}); err != nil {
		t.Fatalf("Update to IN_PROGRESS: %v", err)
	}
	if _, err := s.Update(a.EventID, EventUpdate{Status: &waitingUser, CorrelationID: &corrID}); err != nil {
		t.Fatalf("Update to WAITING_USER: %v", err)
	}

	results, err := s.ListEvents(ListEventsOptions{CorrelationID: corrID})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(results) != 1 || results[0].EventID != a.EventID {
		t.Fatalf("ListEvents by correlation = %+v, want only %s", results, a.EventID)
	}
}
