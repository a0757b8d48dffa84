// Package inbound implements the inbound adapter (§4.9): it turns a
// parsed reply e-mail into a UserReplyReceived event, resolving which
// waiting event the reply belongs to via the three-channel reference
// marker the mailer adapter stamped on the way out.
package inbound

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nugget/researchflow/internal/email"
	"github.com/nugget/researchflow/internal/workflow"
)

// EventCreator is the narrow slice of the event store the inbound
// adapter needs: publish a new event. Satisfied by *workflow.Store.
// The adapter never mutates the referenced event directly — only the
// orchestrator's built-in reply handler does that.
type EventCreator interface {
	CreateEventWithFreshID(eventType string, payload map[string]any, labels []string) (workflow.Event, error)
}

var (
	subjectRefPattern = regexp.MustCompile(`(?i)\[ref:([A-Z0-9-]+)\]`)
	bodyRefPattern    = regexp.MustCompile(`(?i)Reference:\s*([A-Z0-9-]+)`)
)

// Reader reads parsed mail messages and publishes UserReplyReceived
// events. It never writes the referenced event itself.
type Reader struct {
	store  EventCreator
	logger *slog.Logger
}

// NewReader builds a Reader that publishes replies into store.
func NewReader(store EventCreator, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{store: store, logger: logger}
}

// Handle adapts Reader to email.MessageHandler so it can be registered
// directly with an email.Poller.
func (r *Reader) Handle(_ context.Context, accountName string, msg *email.Message) error {
	return r.Process(accountName, msg)
}

// Process extracts the referenced event id and publishes a
// UserReplyReceived event carrying the reply body and attachments. A
// message with no resolvable event id is logged and dropped — it is
// not an error condition the caller should act on.
func (r *Reader) Process(accountName string, msg *email.Message) error {
	eventID := extractEventID(msg)
	if eventID == "" {
		r.logger.Warn("event_id_missing",
			"account", accountName,
			"message_id", msg.MessageID,
			"subject", msg.Subject,
		)
		return nil
	}

	attachments := make([]map[string]any, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachments = append(attachments, map[string]any{
			"filename":     a.Filename,
			"content_type": a.ContentType,
			"content":      a.Content,
		})
	}

	inReplyTo := firstOf(msg.InReplyTo)
	if inReplyTo == "" {
		inReplyTo = firstOf(msg.References)
	}

	payload := map[string]any{
		"event_id":    eventID,
		"message_id":  normalizeMessageID(msg.MessageID),
		"in_reply_to": normalizeMessageID(inReplyTo),
		"body":        msg.TextBody,
		"attachments": attachments,
	}

	_, err := r.store.CreateEventWithFreshID("UserReplyReceived", payload, nil)
	return err
}

// extractEventID resolves the referenced event id in the order §4.9
// item 2 requires: the X-Event-ID header verbatim, then the subject
// marker, then the body reference line — the latter two uppercased
// after matching, since the id alphabet is [A-Z0-9-].
func extractEventID(msg *email.Message) string {
	if h := strings.TrimSpace(msg.XEventID); h != "" {
		return h
	}
	if m := subjectRefPattern.FindStringSubmatch(msg.Subject); m != nil {
		return strings.ToUpper(m[1])
	}
	if m := bodyRefPattern.FindStringSubmatch(msg.TextBody); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}

// firstOf returns the first element of ids, or "".
func firstOf(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// normalizeMessageID strips whitespace and angle brackets and rewraps
// in "<...>" form, returning "" for an empty token.
func normalizeMessageID(raw string) string {
	token := strings.TrimSpace(raw)
	token = strings.Trim(token, "<>")
	if token == "" {
		return ""
	}
	return "<" + token + ">"
}
