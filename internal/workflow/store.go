package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the durable event store (§4.3): SQLite-backed CRUD with
// optimistic concurrency on updated_at and status-indexed queries.
type Store struct {
	db     *sql.DB
	schema *SchemaRegistry
}

// NewStore opens (creating if necessary) a SQLite-backed event store at
// dbPath and runs its schema migration. schemas may be nil, in which
// case every event type is accepted without payload validation.
func NewStore(dbPath string, schemas *SchemaRegistry) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	s := &Store{db: db, schema: schemas}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		payload TEXT NOT NULL,
		labels TEXT NOT NULL,
		correlation_id TEXT,
		retries INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_status ON events(status, updated_at ASC);
	CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateEvent inserts event. Fails with a DuplicateKey StoreError if
// event_id already exists.
func (s *Store) CreateEvent(event Event) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	labelsJSON, err := json.Marshal(event.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO events (
			event_id, type, status, created_at, updated_at, payload,
			labels, correlation_id, retries, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.EventID, event.Type, string(event.Status),
		event.CreatedAt.UTC().Format(time.RFC3339Nano),
		event.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(payloadJSON), string(labelsJSON),
		nullableString(event.CorrelationID), event.Retries, nullableString(event.LastError),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return NewDuplicateKeyError(event.EventID)
		}
		return NewStorageUnavailableError(err)
	}
	return nil
}

// CreateEventWithFreshID generates a new id via NewEventID, retrying on
// DuplicateKey collisions (§4.4), and inserts the event.
func (s *Store) CreateEventWithFreshID(eventType string, payload map[string]any, labels []string) (Event, error) {
	const maxAttempts = 5
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		event, err := NewEvent(eventType, payload, labels)
		if err != nil {
			return Event{}, err
		}
		if err := s.CreateEvent(event); err != nil {
			var se StoreError
			if errors.As(err, &se) && se.Code() == CodeDuplicateKey {
				lastErr = err
				continue
			}
			return Event{}, err
		}
		return event, nil
	}
	return Event{}, lastErr
}

// Get returns the event with the given id, or a NotFound StoreError.
func (s *Store) Get(eventID string) (Event, error) {
	row := s.db.QueryRow(`
		SELECT event_id, type, status, created_at, updated_at, payload,
		       labels, correlation_id, retries, last_error
		FROM events WHERE event_id = ?
	`, eventID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, NewNotFoundError(eventID)
	}
	if err != nil {
		return Event{}, NewStorageUnavailableError(err)
	}
	return event, nil
}

// Update performs the atomic read-validate-write described in §4.3:
// begin an immediate transaction, validate any payload against the
// schema registry, validate the status transition, then write with the
// updated_at token compared against the value just read. A zero
// rowcount is reported as Concurrency.
func (s *Store) Update(eventID string, patch EventUpdate) (Event, error) {
	return s.updateWithToken(eventID, patch, nil)
}

// updateWithToken is Update's implementation, parameterized on the
// expected updated_at token so the orchestrator's claim can compare
// against the token it listed, and tests can exercise the concurrency
// check without a real second writer racing in. A nil expectedToken
// means "whatever is currently stored", i.e. normal Update behavior.
func (s *Store) updateWithToken(eventID string, patch EventUpdate, expectedToken *time.Time) (Event, error) {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return Event{}, NewStorageUnavailableError(err)
	}
	defer conn.Close()

	// database/sql's own Begin() cannot express BEGIN IMMEDIATE, so the
	// writer-exclusive lock is taken directly on a dedicated connection
	// and released with an explicit COMMIT/ROLLBACK below.
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return Event{}, NewStorageUnavailableError(err)
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	row := conn.QueryRowContext(ctx, `
		SELECT event_id, type, status, created_at, updated_at, payload,
		       labels, correlation_id, retries, last_error
		FROM events WHERE event_id = ?
	`, eventID)
	current, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, NewNotFoundError(eventID)
	}
	if err != nil {
		return Event{}, NewStorageUnavailableError(err)
	}

	if patch.Payload != nil {
		if err := s.schema.Validate(current.Type, patch.Payload); err != nil {
			return Event{}, err
		}
	}

	newStatus := current.Status
	if patch.Status != nil {
		newStatus = *patch.Status
	}
	if !ValidateTransition(current.Status, newStatus) {
		return Event{}, NewIllegalTransitionError(current.Status, newStatus)
	}

	updated := current
	updated.Status = newStatus
	if patch.Payload != nil {
		updated.Payload = patch.Payload
	}
	if patch.Labels != nil {
		updated.Labels = patch.Labels
	}
	if patch.Retries != nil {
		updated.Retries = *patch.Retries
	}
	if patch.LastError != nil {
		updated.LastError = *patch.LastError
	}
	if patch.CorrelationID != nil {
		updated.CorrelationID = *patch.CorrelationID
	}
	updated.UpdatedAt = time.Now().UTC()

	payloadJSON, err := json.Marshal(updated.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal payload: %w", err)
	}
	labelsJSON, err := json.Marshal(updated.Labels)
	if err != nil {
		return Event{}, fmt.Errorf("marshal labels: %w", err)
	}

	compareToken := current.UpdatedAt
	if expectedToken != nil {
		compareToken = *expectedToken
	}

	res, err := conn.ExecContext(ctx, `
		UPDATE events
		   SET status = ?, payload = ?, labels = ?, retries = ?,
		       last_error = ?, correlation_id = ?, updated_at = ?
		 WHERE event_id = ? AND updated_at = ?
	`,
		string(updated.Status), string(payloadJSON), string(labelsJSON), updated.Retries,
		nullableString(updated.LastError), nullableString(updated.CorrelationID),
		updated.UpdatedAt.Format(time.RFC3339Nano),
		eventID, compareToken.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Event{}, NewStorageUnavailableError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Event{}, NewStorageUnavailableError(err)
	}
	if n == 0 {
		return Event{}, NewConcurrencyError(eventID)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return Event{}, NewStorageUnavailableError(err)
	}
	committed = true
	return updated, nil
}

// ListPending returns up to limit PENDING events ordered by updated_at
// ascending (oldest first). limit<=0 returns an empty slice without
// opening a transaction, per §8's boundary behavior.
func (s *Store) ListPending(limit int) ([]Event, error) {
	return s.ListByStatus(StatusPending, limit)
}

// ListByStatus returns up to limit events with the given status,
// ordered by updated_at ascending.
func (s *Store) ListByStatus(status Status, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT event_id, type, status, created_at, updated_at, payload,
		       labels, correlation_id, retries, last_error
		FROM events WHERE status = ? ORDER BY updated_at ASC LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, NewStorageUnavailableError(err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEventsOptions configures ListEvents.
type ListEventsOptions struct {
	Limit         int
	Offset        int
	CorrelationID string // empty means unfiltered
}

// ListEvents returns a paginated diagnostics listing ordered by
// created_at descending, optionally filtered by correlation_id.
func (s *Store) ListEvents(opts ListEventsOptions) ([]Event, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT event_id, type, status, created_at, updated_at, payload,
	                 labels, correlation_id, retries, last_error FROM events`
	args := []any{}
	if opts.CorrelationID != "" {
		query += " WHERE correlation_id = ?"
		args = append(args, opts.CorrelationID)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, NewStorageUnavailableError(err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// UpsertLabel appends label to event_id's label set if not already
// present. Idempotent: applying twice leaves the set unchanged after
// the first application. Uses the same optimistic-concurrency
// discipline as Update.
func (s *Store) UpsertLabel(eventID, label string) error {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return NewStorageUnavailableError(err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return NewStorageUnavailableError(err)
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	var labelsJSON, updatedAt string
	err = conn.QueryRowContext(ctx, `SELECT labels, updated_at FROM events WHERE event_id = ?`, eventID).
		Scan(&labelsJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return NewNotFoundError(eventID)
	}
	if err != nil {
		return NewStorageUnavailableError(err)
	}

	var labels []string
	if err := json.Unmarshal([]byte(labelsJSON), &labels); err != nil {
		return fmt.Errorf("unmarshal labels: %w", err)
	}
	for _, l := range labels {
		if l == label {
			conn.ExecContext(ctx, "COMMIT")
			committed = true
			return nil // already present, idempotent no-op
		}
	}
	labels = append(labels, label)
	newLabelsJSON, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}

	res, err := conn.ExecContext(ctx, `
		UPDATE events SET labels = ?, updated_at = ? WHERE event_id = ? AND updated_at = ?
	`, string(newLabelsJSON), time.Now().UTC().Format(time.RFC3339Nano), eventID, updatedAt)
	if err != nil {
		return NewStorageUnavailableError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return NewStorageUnavailableError(err)
	}
	if n == 0 {
		return NewConcurrencyError(eventID)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return NewStorageUnavailableError(err)
	}
	committed = true
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEvent(row scannable) (Event, error) {
	var e Event
	var status, createdAt, updatedAt, payloadJSON, labelsJSON string
	var correlationID, lastError sql.NullString

	err := row.Scan(&e.EventID, &e.Type, &status, &createdAt, &updatedAt,
		&payloadJSON, &labelsJSON, &correlationID, &e.Retries, &lastError)
	if err != nil {
		return Event{}, err
	}

	e.Status = Status(status)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
		return Event{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal([]byte(labelsJSON), &e.Labels); err != nil {
		return Event{}, fmt.Errorf("unmarshal labels: %w", err)
	}
	if correlationID.Valid {
		e.CorrelationID = correlationID.String
	}
	if lastError.Valid {
		e.LastError = lastError.String
	}
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
