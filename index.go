package mailstore

import (
	"context"
	"fmt"
	"slices"

	"github.com/rbaliyan/mailstore/store"
)

// SearchIndex evaluates message criteria over a resolved set of mailboxes.
// The orchestrator resolves rights first, so an index never sees a mailbox
// the user may not read.
type SearchIndex interface {
	Search(ctx context.Context, mailboxes []store.MailboxID, criteria store.MessageCriteria, limit int) ([]store.MessageMetadata, error)
}

// scanIndex is the default SearchIndex. It lists every association of the
// requested mailboxes and filters in memory.
type scanIndex struct {
	messages store.MessageMapper
}

func (x *scanIndex) Search(ctx context.Context, mailboxes []store.MailboxID, criteria store.MessageCriteria, limit int) ([]store.MessageMetadata, error) {
	var out []store.MessageMetadata
	for _, id := range mailboxes {
		rows, err := x.messages.List(ctx, id, store.AllUIDs())
		if err != nil {
			return nil, fmt.Errorf("scan mailbox %s: %w", id, err)
		}
		for _, m := range rows {
			if criteria.Matches(m) {
				out = append(out, m)
			}
		}
	}
	// Newest first, then mailbox and UID for a stable order.
	slices.SortStableFunc(out, func(a, b store.MessageMetadata) int {
		if c := b.InternalDate.Compare(a.InternalDate); c != 0 {
			return c
		}
		if a.MailboxID != b.MailboxID {
			if a.MailboxID < b.MailboxID {
				return -1
			}
			return 1
		}
		return int(int64(a.UID) - int64(b.UID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
