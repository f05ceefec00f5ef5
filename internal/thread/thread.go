// Package thread decides whether an outgoing handover mail continues an
// existing conversation or starts a new one, and which message it replies to.
package thread

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/teemow/handovermail/internal/logging"
)

// Mode is the outcome of thread resolution.
type Mode string

const (
	ModeNew   Mode = "new_thread"
	ModeReply Mode = "reply_thread"
)

// DefaultMaxResults caps the subject search.
const DefaultMaxResults = 50

// Message is the header metadata of one message in a conversation.
type Message struct {
	ID         string
	Subject    string
	MessageID  string
	References string
}

// Mailbox is the mail-search capability the resolver needs.
type Mailbox interface {
	// SearchThreads returns the conversation ids of messages matching query,
	// in the order they were first seen in the results, without duplicates.
	SearchThreads(ctx context.Context, query string, maxResults int64) ([]string, error)
	// ThreadMessages returns the messages of a conversation, oldest first.
	ThreadMessages(ctx context.Context, threadID string) ([]Message, error)
}

// Decision is the resolver's verdict for one subject.
type Decision struct {
	Mode       Mode
	ThreadID   string
	InReplyTo  string
	References string
	// OriginalSubject is the subject of the message replied to, or the
	// requested subject for a new thread.
	OriginalSubject string
	// Err is set when the decision was degraded to a new thread because a
	// lookup failed.
	Err error
}

// Strategy selects one conversation among several valid ones.
type Strategy string

const (
	// FirstValid picks the first valid conversation in search order.
	FirstValid Strategy = "first"
	// LastValid picks the last valid conversation in search order.
	LastValid Strategy = "last"
)

// ParseStrategy converts a configuration value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FirstValid:
		return FirstValid, nil
	case LastValid:
		return LastValid, nil
	default:
		return "", fmt.Errorf("invalid thread strategy %q, must be one of: first, last", s)
	}
}

// Resolver resolves subjects against a mailbox.
type Resolver struct {
	mailbox    Mailbox
	strategy   Strategy
	maxResults int64
	logger     *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStrategy sets the tie-break strategy.
func WithStrategy(s Strategy) Option {
	return func(r *Resolver) { r.strategy = s }
}

// WithMaxResults sets the search cap.
func WithMaxResults(n int64) Option {
	return func(r *Resolver) { r.maxResults = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a Resolver using FirstValid and a cap of 50 by default.
func NewResolver(mailbox Mailbox, opts ...Option) *Resolver {
	r := &Resolver{
		mailbox:    mailbox,
		strategy:   FirstValid,
		maxResults: DefaultMaxResults,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SubjectQuery builds the exact-subject search query.
func SubjectQuery(subject string) string {
	return `subject:"` + strings.ReplaceAll(subject, `"`, "") + `"`
}

type conversation struct {
	id       string
	messages []Message
}

// Resolve never fails: every lookup problem degrades to a new thread.
func (r *Resolver) Resolve(ctx context.Context, subject string) Decision {
	logger := logging.WithOperation(r.logger, "thread.resolve")
	newThread := Decision{Mode: ModeNew, OriginalSubject: subject}

	ids, err := r.mailbox.SearchThreads(ctx, SubjectQuery(subject), r.maxResults)
	if err != nil {
		logger.Warn("subject search failed, starting a new thread", logging.Err(err))
		newThread.Err = fmt.Errorf("failed to search threads: %w", err)
		return newThread
	}
	if len(ids) == 0 {
		return newThread
	}

	var valid []conversation
	for _, id := range ids {
		msgs, err := r.mailbox.ThreadMessages(ctx, id)
		if err != nil {
			logger.Warn("skipping conversation that could not be fetched", logging.ThreadID(id), logging.Err(err))
			continue
		}
		if len(msgs) == 0 || !isRoot(msgs[0].Subject) {
			continue
		}
		valid = append(valid, conversation{id: id, messages: msgs})
	}
	if len(valid) == 0 {
		return newThread
	}

	selected := valid[0]
	if r.strategy == LastValid {
		selected = valid[len(valid)-1]
	}

	candidates := Originals(selected.messages)
	if len(candidates) == 0 {
		return newThread
	}
	target := candidates[len(candidates)-1]
	if target.MessageID == "" {
		logger.Warn("reply target has no Message-ID header, starting a new thread", logging.ThreadID(selected.id))
		return newThread
	}

	refs := target.MessageID
	if target.References != "" {
		refs = target.References + " " + target.MessageID
	}

	return Decision{
		Mode:            ModeReply,
		ThreadID:        selected.id,
		InReplyTo:       target.MessageID,
		References:      refs,
		OriginalSubject: target.Subject,
	}
}

// Originals drops replies, forwards and delivery failure notices.
func Originals(msgs []Message) []Message {
	var out []Message
	for _, m := range msgs {
		if m.Subject == "" || hasPrefixFold(m.Subject, "Re:") || hasPrefixFold(m.Subject, "Fwd:") ||
			strings.Contains(m.Subject, "(Failure)") {
			continue
		}
		out = append(out, m)
	}
	return out
}

func isRoot(subject string) bool {
	return strings.TrimSpace(subject) != "" && !hasPrefixFold(subject, "Re:")
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
