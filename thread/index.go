// Package thread assigns messages to conversation threads and lists thread
// members.
//
// A message joins an existing thread when one of its Message-ID, In-Reply-To
// or References tokens was already seen for the same user with the same base
// subject. Tokens and subjects are stored as murmur3 hashes in the thread
// table, and a reverse lookup table records which hashes were written for
// each message so that deletion can remove them again.
package thread

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/rbaliyan/mailstore/store"
	"github.com/spaolacci/murmur3"
)

// ErrNotFound is returned when a thread has no member.
var ErrNotFound = errors.New("thread: not found")

// Headers carries the message fields threading looks at. Empty strings are
// absent values.
type Headers struct {
	MessageID     store.MessageID
	MimeMessageID string
	InReplyTo     string
	References    []string
	Subject       string
}

// MessageFetcher loads the minimal metadata of messages. Messages the caller
// may not see are omitted from the result.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, ids []store.MessageID) ([]store.MessageMetadata, error)
}

// FetcherFunc adapts a function to MessageFetcher.
type FetcherFunc func(ctx context.Context, ids []store.MessageID) ([]store.MessageMetadata, error)

// FetchMessages calls f.
func (f FetcherFunc) FetchMessages(ctx context.Context, ids []store.MessageID) ([]store.MessageMetadata, error) {
	return f(ctx, ids)
}

type options struct {
	disabled bool
	logger   *slog.Logger
}

// Option configures an Index.
type Option func(*options)

// WithThreadingDisabled makes every message its own thread. Nothing is
// written to the thread tables and listing returns the base message only.
func WithThreadingDisabled() Option {
	return func(o *options) {
		o.disabled = true
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Index is the thread index over a ThreadDAO and ThreadLookupDAO.
type Index struct {
	threads store.ThreadDAO
	lookup  store.ThreadLookupDAO
	opts    options
}

// New creates an Index.
func New(threads store.ThreadDAO, lookup store.ThreadLookupDAO, opts ...Option) *Index {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Index{threads: threads, lookup: lookup, opts: o}
}

// Disabled reports whether threading is turned off.
func (x *Index) Disabled() bool { return x.opts.disabled }

// Hash returns the murmur3 32-bit hash (seed 0) of s as a signed integer.
func Hash(s string) int32 {
	return int32(murmur3.Sum32([]byte(s)))
}

// TokenHashes returns the distinct hashes of the non-empty threading tokens
// of h, in first-seen order.
func TokenHashes(h Headers) []int32 {
	tokens := make([]string, 0, 2+len(h.References))
	tokens = append(tokens, h.MimeMessageID, h.InReplyTo)
	tokens = append(tokens, h.References...)

	hashes := make([]int32, 0, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		hv := Hash(t)
		if !slices.Contains(hashes, hv) {
			hashes = append(hashes, hv)
		}
	}
	return hashes
}

// SubjectHash returns the hash of the base subject, nil when the base
// subject is empty.
func SubjectHash(subject string) *int32 {
	base := BaseSubject(subject)
	if base == "" {
		return nil
	}
	h := Hash(base)
	return &h
}

// AssignThread picks the thread of a new message and records it.
func (x *Index) AssignThread(ctx context.Context, user string, h Headers) (store.ThreadID, error) {
	own := store.ThreadIDOf(h.MessageID)
	if x.opts.disabled {
		return own, nil
	}

	hashes := TokenHashes(h)
	subject := SubjectHash(h.Subject)

	tid := own
	if len(hashes) > 0 {
		rows, err := x.threads.SelectSome(ctx, user, hashes)
		if err != nil {
			return "", fmt.Errorf("thread: select: %w", err)
		}
		for _, row := range rows {
			if row.SameSubject(subject) {
				tid = row.ThreadID
				break
			}
		}
	}

	if err := x.threads.InsertSome(ctx, user, hashes, h.MessageID, tid, subject); err != nil {
		return "", fmt.Errorf("thread: insert: %w", err)
	}
	entry := store.ThreadLookupEntry{ThreadID: tid, MessageID: h.MessageID, User: user, Hashes: hashes}
	if err := x.lookup.Insert(ctx, entry); err != nil {
		if delErr := x.threads.DeleteSome(ctx, user, hashes, h.MessageID); delErr != nil {
			err = errors.Join(err, delErr)
		}
		return "", fmt.Errorf("thread: insert lookup: %w", err)
	}
	x.opts.logger.DebugContext(ctx, "thread assigned",
		"message_id", h.MessageID, "thread_id", tid, "joined", tid != own)
	return tid, nil
}

// Forget removes the thread rows and the lookup entry recorded for mid. It
// is a no-op when nothing was recorded.
func (x *Index) Forget(ctx context.Context, tid store.ThreadID, mid store.MessageID) error {
	entry, err := x.lookup.SelectOne(ctx, tid, mid)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("thread: select lookup: %w", err)
	}
	if err := x.threads.DeleteSome(ctx, entry.User, entry.Hashes, mid); err != nil {
		return fmt.Errorf("thread: delete: %w", err)
	}
	if err := x.lookup.DeleteOne(ctx, tid, mid); err != nil {
		return fmt.Errorf("thread: delete lookup: %w", err)
	}
	return nil
}

// ListThread returns the members of a thread ordered by internal date then
// message id. Returns ErrNotFound if the thread has no visible member.
func (x *Index) ListThread(ctx context.Context, tid store.ThreadID, f MessageFetcher) ([]store.MessageID, error) {
	if x.opts.disabled {
		return []store.MessageID{tid.BaseMessageID()}, nil
	}
	ids, err := x.lookup.SelectAll(ctx, tid)
	if err != nil {
		return nil, fmt.Errorf("thread: select members: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tid)
	}
	msgs, err := f.FetchMessages(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("thread: fetch members: %w", err)
	}
	out := ordered(msgs)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tid)
	}
	return out, nil
}

// LatestInThread returns at most limit members, most recent first. A
// non-positive limit returns every member.
func (x *Index) LatestInThread(ctx context.Context, tid store.ThreadID, limit int, f MessageFetcher) ([]store.MessageID, error) {
	ids, err := x.ListThread(ctx, tid, f)
	if err != nil {
		return nil, err
	}
	slices.Reverse(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// ordered sorts by (InternalDate, MessageID) and keeps the first occurrence
// of each message, since a message copied to several mailboxes is fetched
// once per copy.
func ordered(msgs []store.MessageMetadata) []store.MessageID {
	slices.SortStableFunc(msgs, func(a, b store.MessageMetadata) int {
		if c := a.InternalDate.Compare(b.InternalDate); c != 0 {
			return c
		}
		return cmp.Compare(a.MessageID, b.MessageID)
	})
	out := make([]store.MessageID, 0, len(msgs))
	seen := make(map[store.MessageID]struct{}, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.MessageID]; ok {
			continue
		}
		seen[m.MessageID] = struct{}{}
		out = append(out, m.MessageID)
	}
	return out
}
