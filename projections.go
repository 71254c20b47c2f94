package mailstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/rbaliyan/mailstore/store"
)

// The per-mailbox projections (counters, applicable flags, first unseen,
// recent and deleted markers) are derived from association rows. Each
// write below is idempotent except the counters, which are only touched
// once per association change.

// indexAdded records new associations of mailbox id.
func (c *userClient) indexAdded(ctx context.Context, id store.MailboxID, rows []store.MessageMetadata) error {
	if len(rows) == 0 {
		return nil
	}
	st := c.service.store
	var (
		unseen   int64
		keywords []string
		errs     []error
	)
	for _, m := range rows {
		if !m.Flags.Has(store.FlagSeen) {
			unseen++
			errs = append(errs, st.FirstUnseen().Add(ctx, id, m.UID))
		}
		if m.Flags.Has(store.FlagRecent) {
			errs = append(errs, st.Recents().Add(ctx, id, m.UID))
		}
		if m.Flags.Has(store.FlagDeleted) {
			errs = append(errs, st.DeletedMarkers().Add(ctx, id, m.UID))
		}
		keywords = append(keywords, m.Flags.User...)
	}
	if len(keywords) > 0 {
		errs = append(errs, st.ApplicableFlags().Add(ctx, id, keywords))
	}
	errs = append(errs, st.Counters().Increment(ctx, id, int64(len(rows)), unseen))
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("update projections of %s: %w", id, err)
	}
	return nil
}

// indexRemoved forgets removed associations of mailbox id.
func (c *userClient) indexRemoved(ctx context.Context, id store.MailboxID, rows []store.MessageMetadata) error {
	if len(rows) == 0 {
		return nil
	}
	st := c.service.store
	var (
		unseen int64
		errs   []error
	)
	for _, m := range rows {
		if !m.Flags.Has(store.FlagSeen) {
			unseen++
		}
		errs = append(errs,
			st.FirstUnseen().Remove(ctx, id, m.UID),
			st.Recents().Remove(ctx, id, m.UID),
			st.DeletedMarkers().Remove(ctx, id, m.UID),
		)
	}
	errs = append(errs, st.Counters().Increment(ctx, id, -int64(len(rows)), -unseen))
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("update projections of %s: %w", id, err)
	}
	return nil
}

// indexFlagsChanged reflects a flag change of one message.
func (c *userClient) indexFlagsChanged(ctx context.Context, id store.MailboxID, uid store.UID, before, after store.Flags) error {
	st := c.service.store
	var errs []error
	markers := []struct {
		flag store.SystemFlag
		set  store.UIDSetMapper
	}{
		{store.FlagRecent, st.Recents()},
		{store.FlagDeleted, st.DeletedMarkers()},
	}
	for _, mk := range markers {
		switch was, is := before.Has(mk.flag), after.Has(mk.flag); {
		case !was && is:
			errs = append(errs, mk.set.Add(ctx, id, uid))
		case was && !is:
			errs = append(errs, mk.set.Remove(ctx, id, uid))
		}
	}
	switch wasSeen, isSeen := before.Has(store.FlagSeen), after.Has(store.FlagSeen); {
	case !wasSeen && isSeen:
		errs = append(errs, st.FirstUnseen().Remove(ctx, id, uid), st.Counters().Increment(ctx, id, 0, -1))
	case wasSeen && !isSeen:
		errs = append(errs, st.FirstUnseen().Add(ctx, id, uid), st.Counters().Increment(ctx, id, 0, 1))
	}
	if added := after.Except(before).User; len(added) > 0 {
		errs = append(errs, st.ApplicableFlags().Add(ctx, id, added))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("update projections of %s: %w", id, err)
	}
	return nil
}
