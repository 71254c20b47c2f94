package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/rbaliyan/mailstore/store"
)

type threadDAO struct {
	s *Store
}

// hashArray widens hashes for a BIGINT[] parameter.
func hashArray(hashes []int32) pq.Int64Array {
	out := make(pq.Int64Array, len(hashes))
	for i, h := range hashes {
		out[i] = int64(h)
	}
	return out
}

func (d *threadDAO) InsertSome(ctx context.Context, user string, hashes []int32, mid store.MessageID, tid store.ThreadID, subjectHash *int32) error {
	if len(hashes) == 0 {
		return nil
	}
	ctx, cancel, err := d.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	var subject sql.NullInt32
	if subjectHash != nil {
		subject = sql.NullInt32{Int32: *subjectHash, Valid: true}
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (user_name, hash, message_id, thread_id, subject_hash)
		SELECT $1, h::INTEGER, $3, $4, $5 FROM unnest($2::BIGINT[]) AS h
		ON CONFLICT (user_name, hash, message_id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id, subject_hash = EXCLUDED.subject_hash
	`, d.s.t.threads)
	if _, err := d.s.db.ExecContext(ctx, query, user, hashArray(hashes), mid, tid, subject); err != nil {
		return fmt.Errorf("insert thread rows: %w", err)
	}
	return nil
}

func (d *threadDAO) SelectSome(ctx context.Context, user string, hashes []int32) ([]store.ThreadRow, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	ctx, cancel, err := d.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT hash, subject_hash, message_id, thread_id FROM %s
		WHERE user_name = $1 AND hash = ANY($2::BIGINT[])
	`, d.s.t.threads)
	rows, err := d.s.db.QueryxContext(ctx, query, user, hashArray(hashes))
	if err != nil {
		return nil, fmt.Errorf("select thread rows: %w", err)
	}
	defer rows.Close()

	var out []store.ThreadRow
	for rows.Next() {
		var (
			r       store.ThreadRow
			subject sql.NullInt32
		)
		if err := rows.Scan(&r.Hash, &subject, &r.MessageID, &r.ThreadID); err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		if subject.Valid {
			h := subject.Int32
			r.SubjectHash = &h
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread rows: %w", err)
	}
	return out, nil
}

func (d *threadDAO) DeleteSome(ctx context.Context, user string, hashes []int32, mid store.MessageID) error {
	if len(hashes) == 0 {
		return nil
	}
	ctx, cancel, err := d.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE user_name = $1 AND hash = ANY($2::BIGINT[]) AND message_id = $3
	`, d.s.t.threads)
	if _, err := d.s.db.ExecContext(ctx, query, user, hashArray(hashes), mid); err != nil {
		return fmt.Errorf("delete thread rows: %w", err)
	}
	return nil
}

type threadLookupDAO struct {
	s *Store
}

func (d *threadLookupDAO) Insert(ctx context.Context, e store.ThreadLookupEntry) error {
	ctx, cancel, err := d.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, message_id, user_name, hashes) VALUES ($1, $2, $3, $4)
		ON CONFLICT (thread_id, message_id) DO UPDATE SET
			user_name = EXCLUDED.user_name, hashes = EXCLUDED.hashes
	`, d.s.t.threadLookup)
	if _, err := d.s.db.ExecContext(ctx, query, e.ThreadID, e.MessageID, e.User, hashArray(e.Hashes)); err != nil {
		return fmt.Errorf("insert thread lookup: %w", err)
	}
	return nil
}

func (d *threadLookupDAO) SelectOne(ctx context.Context, tid store.ThreadID, mid store.MessageID) (store.ThreadLookupEntry, error) {
	ctx, cancel, err := d.s.begin(ctx)
	defer cancel()
	if err != nil {
		return store.ThreadLookupEntry{}, err
	}

	query := fmt.Sprintf(`
		SELECT user_name, hashes FROM %s WHERE thread_id = $1 AND message_id = $2
	`, d.s.t.threadLookup)
	var (
		user   string
		hashes pq.Int64Array
	)
	if err := d.s.db.QueryRowxContext(ctx, query, tid, mid).Scan(&user, &hashes); err != nil {
		return store.ThreadLookupEntry{}, notFound(err)
	}

	e := store.ThreadLookupEntry{ThreadID: tid, MessageID: mid, User: user, Hashes: make([]int32, len(hashes))}
	for i, h := range hashes {
		e.Hashes[i] = int32(h)
	}
	return e, nil
}

func (d *threadLookupDAO) SelectAll(ctx context.Context, tid store.ThreadID) ([]store.MessageID, error) {
	ctx, cancel, err := d.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT message_id FROM %s WHERE thread_id = $1 ORDER BY message_id COLLATE "C"`, d.s.t.threadLookup)
	var out []store.MessageID
	if err := d.s.db.SelectContext(ctx, &out, query, tid); err != nil {
		return nil, fmt.Errorf("select thread members: %w", err)
	}
	return out, nil
}

func (d *threadLookupDAO) DeleteOne(ctx context.Context, tid store.ThreadID, mid store.MessageID) error {
	ctx, cancel, err := d.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE thread_id = $1 AND message_id = $2`, d.s.t.threadLookup)
	if _, err := d.s.db.ExecContext(ctx, query, tid, mid); err != nil {
		return fmt.Errorf("delete thread lookup: %w", err)
	}
	return nil
}
