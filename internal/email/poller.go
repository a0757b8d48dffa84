package email

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nugget/researchflow/internal/opstate"
)

const (
	// pollNamespace is the opstate namespace for email polling state.
	pollNamespace = "email_poll"
)

// MessageHandler receives one newly-arrived message for an account. It
// lives in internal/inbound; the poller only depends on the callback
// shape so the two packages don't form an import cycle.
type MessageHandler func(ctx context.Context, accountName string, msg *Message) error

// Poller checks configured email accounts for new messages by comparing
// IMAP UIDs against a persisted high-water mark, and hands each new
// message to a MessageHandler for processing. It is not a tool — it
// runs as infrastructure code invoked on a recurring maintenance job.
type Poller struct {
	manager *Manager
	state   *opstate.Store
	handle  MessageHandler
	logger  *slog.Logger
}

// NewPoller creates an email poller that checks all accounts managed by
// the given Manager, tracks state in the provided opstate store, and
// dispatches new messages to handle. handle may be nil in tests that
// only exercise the high-water-mark bookkeeping.
func NewPoller(manager *Manager, state *opstate.Store, handle MessageHandler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		manager: manager,
		state:   state,
		handle:  handle,
		logger:  logger,
	}
}

// CheckNewMessages checks all configured accounts for messages newer
// than the stored high-water mark and hands each one to the poller's
// MessageHandler. Returns the total number of messages handed off.
//
// On first run (no stored high-water mark), the current highest UID is
// recorded silently without dispatching it — this prevents replaying
// the entire inbox as replies on initial deployment.
//
// Network errors are logged and skipped per-account; a failure on one
// account does not prevent checking others.
func (p *Poller) CheckNewMessages(ctx context.Context) (int, error) {
	total := 0

	for _, name := range p.manager.AccountNames() {
		n, err := p.checkAccount(ctx, name)
		if err != nil {
			p.logger.Warn("email poll failed for account",
				"account", name,
				"error", err,
			)
			continue
		}
		total += n
	}

	return total, nil
}

// checkAccount checks a single account's INBOX for new messages and
// dispatches each one. Returns the number dispatched.
func (p *Poller) checkAccount(ctx context.Context, accountName string) (int, error) {
	client, err := p.manager.Account(accountName)
	if err != nil {
		return 0, fmt.Errorf("get account %q: %w", accountName, err)
	}

	stateKey := accountName + ":INBOX"

	// Load the stored high-water mark.
	storedStr, err := p.state.Get(pollNamespace, stateKey)
	if err != nil {
		return 0, fmt.Errorf("get high-water mark %q: %w", stateKey, err)
	}

	var storedUID uint64
	switch storedStr {
	case "":
		// First run: fetch recent messages to seed the high-water mark.
		envelopes, err := client.ListMessages(ctx, ListOptions{
			Folder: "INBOX",
			Limit:  1,
		})
		if err != nil {
			return 0, fmt.Errorf("seed list %q: %w", accountName, err)
		}
		if len(envelopes) == 0 {
			return 0, nil // empty mailbox, nothing to seed
		}
		seedUID := envelopes[0].UID
		p.logger.Info("email poll first run, seeding high-water mark",
			"account", accountName,
			"uid", seedUID,
		)
		if err := p.state.Set(pollNamespace, stateKey, strconv.FormatUint(uint64(seedUID), 10)); err != nil {
			return 0, fmt.Errorf("seed high-water mark %q: %w", stateKey, err)
		}
		return 0, nil

	default:
		parsed, err := strconv.ParseUint(storedStr, 10, 32)
		if err != nil {
			// Corrupted state — reseed using recent messages.
			p.logger.Warn("corrupt high-water mark, reseeding",
				"account", accountName,
				"stored", storedStr,
			)
			envelopes, err := client.ListMessages(ctx, ListOptions{
				Folder: "INBOX",
				Limit:  1,
			})
			if err != nil {
				return 0, fmt.Errorf("reseed list %q: %w", accountName, err)
			}
			if len(envelopes) > 0 {
				if err := p.state.Set(pollNamespace, stateKey, strconv.FormatUint(uint64(envelopes[0].UID), 10)); err != nil {
					return 0, fmt.Errorf("reseed high-water mark %q: %w", stateKey, err)
				}
			}
			return 0, nil
		}
		storedUID = parsed
	}

	// Fetch all messages with UIDs > storedUID (no limit — we want
	// every new message regardless of how many arrived between polls).
	newMessages, err := client.ListMessages(ctx, ListOptions{
		Folder:   "INBOX",
		SinceUID: uint32(storedUID),
	})
	if err != nil {
		return 0, fmt.Errorf("list messages %q: %w", accountName, err)
	}

	if len(newMessages) == 0 {
		return 0, nil
	}

	// Always advance the high-water mark based on ALL fetched messages
	// (before filtering) so self-sent messages don't re-appear.
	if err := p.advanceHighWaterMark(accountName, stateKey, storedUID, newMessages); err != nil {
		return 0, err
	}

	// Filter out self-sent messages so a reply's own Bcc-to-self copy
	// (or server-side sent-copy) isn't mistaken for an inbound reply.
	newMessages = p.filterSelfSent(accountName, newMessages)
	if len(newMessages) == 0 {
		return 0, nil
	}

	dispatched := 0
	for _, env := range newMessages {
		if p.handle == nil {
			continue
		}
		msg, err := client.ReadMessage(ctx, "INBOX", env.UID)
		if err != nil {
			p.logger.Warn("failed to read new message",
				"account", accountName,
				"uid", env.UID,
				"error", err,
			)
			continue
		}
		if err := p.handle(ctx, accountName, msg); err != nil {
			p.logger.Warn("message handler failed",
				"account", accountName,
				"uid", env.UID,
				"error", err,
			)
			continue
		}
		dispatched++
	}

	return dispatched, nil
}

// filterSelfSent removes messages where From matches the account's
// default_from address. This prevents an account's own outbound
// replies (Bcc-to-self, server-side copies) from being mistaken for
// inbound replies.
func (p *Poller) filterSelfSent(accountName string, messages []Envelope) []Envelope {
	acctCfg, err := p.manager.AccountConfig(accountName)
	if err != nil || acctCfg.DefaultFrom == "" {
		return messages // can't filter without a configured From address
	}

	ownAddr := strings.ToLower(extractAddress(acctCfg.DefaultFrom))
	filtered := make([]Envelope, 0, len(messages))
	for _, env := range messages {
		fromAddr := strings.ToLower(extractAddress(env.From))
		if fromAddr == ownAddr {
			p.logger.Debug("skipping self-sent message",
				"account", accountName,
				"uid", env.UID,
				"subject", env.Subject,
			)
			continue
		}
		filtered = append(filtered, env)
	}
	return filtered
}

// advanceHighWaterMark updates the stored high-water mark to the highest
// UID found in the result set, but never decreases it. The function
// scans all messages to determine the maximum UID rather than relying
// on any particular ordering of the input slice.
func (p *Poller) advanceHighWaterMark(accountName, stateKey string, currentMark uint64, allNew []Envelope) error {
	// Find the highest UID across all fetched messages (including
	// self-sent ones that will be filtered later). We scan all rather
	// than trusting sort order as a defensive measure.
	var highest uint64
	for _, env := range allNew {
		if uint64(env.UID) > highest {
			highest = uint64(env.UID)
		}
	}

	// Never decrease — UIDs can disappear when messages are moved/deleted
	// but the mark must only advance.
	if highest <= currentMark {
		return nil
	}

	p.logger.Debug("advancing high-water mark",
		"account", accountName,
		"old_uid", currentMark,
		"new_uid", highest,
	)

	if err := p.state.Set(pollNamespace, stateKey, strconv.FormatUint(highest, 10)); err != nil {
		return fmt.Errorf("update high-water mark %q: %w", stateKey, err)
	}
	return nil
}
