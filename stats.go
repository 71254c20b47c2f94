package mailstore

import (
	"context"
	"fmt"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/store"
)

// Status returns the IMAP STATUS view of the mailbox at path.
func (c *userClient) Status(ctx context.Context, path store.MailboxPath) (*store.MailboxStatus, error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}
	mb, err := c.loadMailbox(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := c.require(ctx, mb, acl.Read); err != nil {
		return nil, err
	}

	st := c.service.store
	counters, err := st.Counters().Get(ctx, mb.ID)
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	firstUnseen, err := st.FirstUnseen().First(ctx, mb.ID)
	if err != nil && !store.IsNotFound(err) {
		return nil, fmt.Errorf("read first unseen: %w", err)
	}
	recents, err := st.Recents().List(ctx, mb.ID)
	if err != nil {
		return nil, fmt.Errorf("read recent: %w", err)
	}
	lastUID, err := st.Messages().LastUID(ctx, mb.ID)
	if err != nil {
		return nil, fmt.Errorf("read last uid: %w", err)
	}
	modseq, err := st.Messages().HighestModSeq(ctx, mb.ID)
	if err != nil {
		return nil, fmt.Errorf("read highest modseq: %w", err)
	}

	return &store.MailboxStatus{
		MailboxID:     mb.ID,
		Messages:      counters.Count,
		Unseen:        counters.Unseen,
		Recent:        int64(len(recents)),
		FirstUnseen:   firstUnseen,
		UidNext:       lastUID + 1,
		UidValidity:   mb.UidValidity,
		HighestModSeq: modseq,
	}, nil
}
