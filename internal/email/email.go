// Package email provides native IMAP and SMTP email for the workflow
// engine's mailer and inbound adapters. It connects directly over IMAP
// for reading and SMTP for sending, supporting multiple accounts and
// markdown-to-MIME message composition.
package email

import (
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
)

// drainLiteral reads and discards the contents of an IMAP literal reader.
// This prevents blocking the IMAP stream when a body section is fetched
// but not consumed. Nil readers are handled gracefully.
func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}

// Envelope is the summary metadata for an email message, suitable for
// list views and search results.
type Envelope struct {
	// UID is the IMAP unique identifier for this message within its folder.
	UID uint32

	// Date is the message's Date header.
	Date time.Time

	// From is the sender, formatted as "Name <addr>" or just the address.
	From string

	// To is the list of recipients.
	To []string

	// Subject is the message subject line.
	Subject string

	// Flags contains IMAP flags (e.g., \Seen, \Flagged).
	Flags []string

	// Size is the message size in bytes.
	Size uint32
}

// Message is a fully-fetched email with body content extracted from
// the MIME structure.
type Message struct {
	Envelope

	// MessageID is the Message-ID header value (without angle brackets).
	MessageID string

	// InReplyTo contains Message-IDs this message is a reply to.
	InReplyTo []string

	// References contains the full References chain for threading.
	References []string

	// Cc is the list of CC recipients.
	Cc []string

	// ReplyTo is the Reply-To address, if different from From.
	ReplyTo string

	// TextBody is the plain-text body content. Preferred over HTMLBody
	// for LLM consumption.
	TextBody string

	// HTMLBody is the raw HTML body, if present. Included for reference
	// but the agent should prefer TextBody.
	HTMLBody string

	// Attachments holds the base64-encoded payload of every MIME part
	// with a Content-Disposition: attachment header.
	Attachments []Attachment

	// XEventID is the verbatim, trimmed value of the X-Event-ID header,
	// if present. Not available from the IMAP ENVELOPE; parsed from
	// the raw message header.
	XEventID string
}

// Attachment is a single MIME attachment extracted from a message,
// carried base64-encoded for handoff into event payloads.
type Attachment struct {
	// Filename is the attachment's declared name, or "attachment" if
	// the part carried none.
	Filename string

	// ContentType is the MIME type of the attachment part.
	ContentType string

	// Content is the attachment body, base64-encoded.
	Content string
}

// ListOptions controls the behavior of email listing operations.
type ListOptions struct {
	// Folder is the mailbox to list from. Default: "INBOX".
	Folder string

	// Limit is the maximum number of messages to return. Default: 20.
	Limit int

	// Unseen restricts the listing to unseen messages only.
	Unseen bool

	// SinceUID, when non-zero, restricts the listing to messages with
	// UIDs strictly greater than this value; Limit is then ignored.
	SinceUID uint32

	// Account is the account name. Empty uses the primary account.
	Account string
}

// SendOptions describes an outbound email message. The Body field
// contains markdown that the compose layer converts to both
// text/plain and text/html MIME parts.
type SendOptions struct {
	// To is the list of recipient addresses (required).
	To []string

	// Cc is the list of CC addresses.
	Cc []string

	// Subject is the email subject line (required).
	Subject string

	// Body is the message body in markdown format (required).
	Body string

	// Account is the account name. Empty uses the primary account.
	Account string
}

// ReplyOptions describes a reply to an existing message, identified by
// its UID and folder.
type ReplyOptions struct {
	// UID is the IMAP UID of the message being replied to (required).
	UID uint32

	// Folder is the folder containing the original message. Default: "INBOX".
	Folder string

	// Body is the reply body in markdown format (required).
	Body string

	// ReplyAll sends the reply to all original recipients.
	ReplyAll bool

	// Account is the account name. Empty uses the primary account.
	Account string
}

