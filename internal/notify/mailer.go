// Package notify implements the mailer adapter (§4.8): it stamps
// outbound notifications with the reference marker that lets a human
// reply round-trip back to the waiting event, and records the outbound
// Message-ID as the event's correlation id.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/researchflow/internal/email"
	"github.com/nugget/researchflow/internal/workflow"
)

// EventUpdater is the narrow slice of the event store the mailer
// needs: persisting a correlation id after a successful send. Giving
// the mailer this interface rather than *workflow.Store keeps the
// dependency one-directional — the store knows nothing about mail.
type EventUpdater interface {
	Update(eventID string, patch workflow.EventUpdate) (workflow.Event, error)
}

// SendRequest describes one outbound, correlated notification. To,
// Subject, Body, and EventID are required; the rest are optional.
type SendRequest struct {
	To            string
	Subject       string
	Body          string
	EventID       string
	CorrelationID string // Message-ID this notification replies to, if any
	Attachments   []email.OutgoingAttachment
	Sender        string // overrides the account's default From address
	ExtraHeaders  map[string]string
	Account       string // empty uses the manager's primary account
}

// Mailer is the adapter handlers use to deliver correlated
// notifications (§4.6 WaitingUser, §4.8).
type Mailer struct {
	manager *email.Manager
	store   EventUpdater
	logger  *slog.Logger
}

// NewMailer builds a Mailer that sends through manager's accounts and
// persists correlation ids via store. store may be nil in tests that
// only exercise composition.
func NewMailer(manager *email.Manager, store EventUpdater, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{manager: manager, store: store, logger: logger}
}

// Send composes, stamps, and delivers req, then persists the accepted
// Message-ID as req.EventID's correlation id. Returns the Message-ID
// (angle-bracket form) that was sent.
//
// A failure to persist the correlation id is logged as a warning and
// does not undo the send (§4.8 item 6, §7 "Concurrency on outbound
// correlation write").
func (m *Mailer) Send(ctx context.Context, req SendRequest) (string, error) {
	if req.EventID == "" {
		return "", fmt.Errorf("notify: event_id must be provided for correlated e-mails")
	}

	acctCfg, err := m.manager.AccountConfig(req.Account)
	if err != nil {
		return "", fmt.Errorf("notify: resolve account: %w", err)
	}

	sender := req.Sender
	if sender == "" {
		sender = acctCfg.DefaultFrom
	}

	headers := map[string]string{"X-Event-ID": req.EventID}
	for k, v := range req.ExtraHeaders {
		if v != "" {
			headers[k] = v
		}
	}

	var inReplyTo string
	var references []string
	if ref := normalizeBareMessageID(req.CorrelationID); ref != "" {
		inReplyTo = ref
		references = []string{ref}
		headers["In-Reply-To"] = "<" + ref + ">"
		headers["References"] = "<" + ref + ">"
	}

	messageID := newMessageID(sender)

	composed, err := email.ComposeMessage(email.ComposeOptions{
		From:         sender,
		To:           []string{req.To},
		Subject:      stampSubject(req.Subject, req.EventID),
		Body:         stampBody(req.Body, req.EventID),
		InReplyTo:    inReplyTo,
		References:   references,
		MessageID:    messageID,
		ExtraHeaders: headers,
		Attachments:  req.Attachments,
	})
	if err != nil {
		return "", fmt.Errorf("notify: compose message: %w", err)
	}

	recipients := []string{email.ExtractAddress(req.To)}
	if bcc := m.manager.BccOwner(); bcc != "" {
		recipients = append(recipients, email.ExtractAddress(bcc))
	}

	if err := email.SendMail(ctx, acctCfg.SMTP, email.ExtractAddress(sender), recipients, composed); err != nil {
		return "", fmt.Errorf("notify: send mail: %w", err)
	}

	angleID := "<" + messageID + ">"

	if m.store != nil {
		id := angleID
		patch := workflow.EventUpdate{CorrelationID: &id}
		if _, err := m.store.Update(req.EventID, patch); err != nil {
			m.logger.Warn("correlation_update_failed",
				"event_id", req.EventID,
				"message_id", angleID,
				"error", err,
			)
		}
	}

	return angleID, nil
}

// Notify implements workflow.Notifier: it sends n as a correlated
// message to eventID's waiting recipient through the event's primary
// account. Satisfies the orchestrator's WAITING_USER delivery hook
// (§4.6, §4.7) without the orchestrator depending on email directly.
func (m *Mailer) Notify(ctx context.Context, eventID string, n workflow.Notification) error {
	_, err := m.Send(ctx, SendRequest{
		To:      n.To,
		Subject: n.Subject,
		Body:    n.Body,
		EventID: eventID,
	})
	return err
}

// stampSubject returns subject with the "[ref:<event_id>]" marker
// appended exactly once, case-insensitive (§4.8 item 2).
func stampSubject(subject, eventID string) string {
	marker := fmt.Sprintf("[ref:%s]", eventID)
	if strings.Contains(strings.ToLower(subject), strings.ToLower(marker)) {
		return subject
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return marker
	}
	return subject + " " + marker
}

// stampBody appends a visible "Reference: <event_id>" line exactly
// once, case-insensitive (§4.8 item 3). Trailing whitespace of body is
// replaced by one blank line before the marker.
func stampBody(body, eventID string) string {
	marker := fmt.Sprintf("Reference: %s", eventID)
	if strings.Contains(strings.ToLower(body), strings.ToLower(marker)) {
		return body
	}
	trimmed := strings.TrimRight(body, " \t\r\n")
	if trimmed == "" {
		return marker + "\n"
	}
	return trimmed + "\n\n" + marker + "\n"
}

// normalizeBareMessageID strips angle brackets and surrounding
// whitespace from a Message-ID, returning "" if nothing remains.
func normalizeBareMessageID(raw string) string {
	token := strings.TrimSpace(raw)
	token = strings.Trim(token, "<>")
	return token
}

// newMessageID generates a fresh RFC 5322 message id token (without
// angle brackets), scoped to sender's domain when one is present.
func newMessageID(sender string) string {
	domain := "local"
	if addr := email.ExtractAddress(sender); strings.Contains(addr, "@") {
		domain = addr[strings.LastIndex(addr, "@")+1:]
	}
	return fmt.Sprintf("%s@%s", uuid.New().String(), domain)
}
