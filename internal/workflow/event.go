package workflow

import "time"

// Event is the central durable record (§3). event_id is assigned at
// creation and immutable; created_at is immutable; updated_at is the
// optimistic concurrency token and strictly increases on every update.
type Event struct {
	EventID       string
	Type          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Status        Status
	Payload       map[string]any
	Labels        []string
	CorrelationID string // empty when unset
	Retries       int
	LastError     string // empty when unset
}

// NewEvent constructs a PENDING event with a fresh id and current
// timestamps, ready to pass to Store.CreateEvent. Type is required;
// payload/labels may be nil.
func NewEvent(eventType string, payload map[string]any, labels []string) (Event, error) {
	id, err := NewEventID(DefaultIDPrefix)
	if err != nil {
		return Event{}, err
	}
	now := time.Now().UTC()
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		EventID:   id,
		Type:      eventType,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusPending,
		Payload:   payload,
		Labels:    append([]string(nil), labels...),
	}, nil
}

// EventUpdate carries the subset of fields a caller wants to change via
// Store.Update. A nil pointer/field means "leave unchanged"; Go has no
// native optional scalar so pointers mark presence for Status/Retries,
// while nil map/slice mean "unchanged" for Payload and Labels.
// LastError and CorrelationID are pointers as well, because "" is
// also their valid cleared value.
type EventUpdate struct {
	Status  *Status
	Payload map[string]any // nil means unchanged; non-nil (incl. empty map) replaces
	Labels  []string        // nil means unchanged; non-nil (incl. empty slice) replaces

	Retries *int

	// LastError and CorrelationID use pointer semantics too: nil means
	// unchanged, pointer-to-empty-string means explicitly cleared.
	LastError     *string
	CorrelationID *string
}

// Notification is the outbound message spec a handler attaches when it
// returns WaitingUser (§4.6).
type Notification struct {
	To      string
	Subject string
	Body    string
}

// HandlerResult is the tagged union a handler returns (§4.6, §9): the
// Status field discriminates COMPLETED / WAITING_USER / FAILED; the
// remaining fields are populated according to that tag.
type HandlerResult struct {
	Status        Status
	Payload       map[string]any
	Labels        []string
	CorrelationID string
	Notification  *Notification // set only when Status == StatusWaitingUser
	LastError     string        // set only when Status == StatusFailed (§7 HandlerFatal)
}

// Completed builds a terminal-success HandlerResult.
func Completed(payload map[string]any, labels []string) HandlerResult {
	return HandlerResult{Status: StatusCompleted, Payload: payload, Labels: labels}
}

// WaitingUser builds a HandlerResult that suspends the event pending
// operator input, attaching the notification to send.
func WaitingUser(payload map[string]any, notification Notification) HandlerResult {
	return HandlerResult{Status: StatusWaitingUser, Payload: payload, Notification: &notification}
}

// Failed builds a terminal-failure HandlerResult carrying the error
// string to persist as last_error (§7 HandlerFatal: "handler explicitly
// returns FAILED").
func Failed(lastError string) HandlerResult {
	return HandlerResult{Status: StatusFailed, LastError: lastError}
}

// asUpdate converts a HandlerResult into the EventUpdate patch the
// orchestrator applies to finalize an event, per §4.7.
func (r HandlerResult) asUpdate(clearError bool) EventUpdate {
	status := r.Status
	upd := EventUpdate{Status: &status}
	if r.Payload != nil {
		upd.Payload = r.Payload
	}
	if r.Labels != nil {
		upd.Labels = r.Labels
	}
	if r.CorrelationID != "" {
		upd.CorrelationID = &r.CorrelationID
	}
	switch {
	case clearError:
		empty := ""
		upd.LastError = &empty
	case r.Status == StatusFailed && r.LastError != "":
		upd.LastError = &r.LastError
	}
	return upd
}
