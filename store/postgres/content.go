package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rbaliyan/mailstore/store"
)

type contentRow struct {
	MessageID    string    `db:"message_id"`
	ThreadID     string    `db:"thread_id"`
	HeaderBlobID string    `db:"header_blob_id"`
	BodyBlobID   string    `db:"body_blob_id"`
	Size         int64     `db:"size"`
	BodyStart    int64     `db:"body_start"`
	InternalDate time.Time `db:"internal_date"`
	MIMEType     string    `db:"mime_type"`
	Attachments  []byte    `db:"attachments"`
}

type contentMapper struct {
	s *Store
}

// Save writes the content row. Content is immutable, so a replayed save
// overwrites the row with identical values.
func (m *contentMapper) Save(ctx context.Context, c store.MessageContent) error {
	if c.MessageID == "" {
		return store.ErrInvalidID
	}
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	attachments := c.Attachments
	if attachments == nil {
		attachments = []store.MessageAttachment{}
	}
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (message_id, thread_id, header_blob_id, body_blob_id, size, body_start,
		                internal_date, mime_type, attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (message_id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id, header_blob_id = EXCLUDED.header_blob_id,
			body_blob_id = EXCLUDED.body_blob_id, size = EXCLUDED.size,
			body_start = EXCLUDED.body_start, internal_date = EXCLUDED.internal_date,
			mime_type = EXCLUDED.mime_type, attachments = EXCLUDED.attachments
	`, m.s.t.contents)
	_, err = m.s.db.ExecContext(ctx, query,
		c.MessageID, c.ThreadID, c.HeaderBlobID, c.BodyBlobID, c.Size, c.BodyStart,
		c.InternalDate.UTC(), c.MIMEType, attachmentsJSON,
	)
	if err != nil {
		return fmt.Errorf("save content: %w", err)
	}
	return nil
}

func (m *contentMapper) Get(ctx context.Context, id store.MessageID) (store.MessageContent, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return store.MessageContent{}, err
	}

	query := fmt.Sprintf(`
		SELECT message_id, thread_id, header_blob_id, body_blob_id, size, body_start,
		       internal_date, mime_type, attachments
		FROM %s WHERE message_id = $1
	`, m.s.t.contents)
	var row contentRow
	if err := m.s.db.GetContext(ctx, &row, query, id); err != nil {
		return store.MessageContent{}, notFound(err)
	}

	c := store.MessageContent{
		MessageID:    store.MessageID(row.MessageID),
		ThreadID:     store.ThreadID(row.ThreadID),
		HeaderBlobID: store.BlobID(row.HeaderBlobID),
		BodyBlobID:   store.BlobID(row.BodyBlobID),
		Size:         row.Size,
		BodyStart:    row.BodyStart,
		InternalDate: row.InternalDate.UTC(),
		MIMEType:     row.MIMEType,
	}
	if len(row.Attachments) > 0 {
		if err := json.Unmarshal(row.Attachments, &c.Attachments); err != nil {
			return store.MessageContent{}, fmt.Errorf("unmarshal attachments: %w", err)
		}
		if len(c.Attachments) == 0 {
			c.Attachments = nil
		}
	}
	return c, nil
}

func (m *contentMapper) Delete(ctx context.Context, id store.MessageID) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE message_id = $1`, m.s.t.contents)
	if _, err := m.s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete content: %w", err)
	}
	return nil
}

type attachmentMapper struct {
	s *Store
}

func (m *attachmentMapper) Save(ctx context.Context, a store.Attachment) error {
	if a.ID == "" {
		return store.ErrInvalidID
	}
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, message_id, blob_id, content_type, size)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			message_id = EXCLUDED.message_id, blob_id = EXCLUDED.blob_id,
			content_type = EXCLUDED.content_type, size = EXCLUDED.size
	`, m.s.t.attachments)
	if _, err := m.s.db.ExecContext(ctx, query, a.ID, a.MessageID, a.BlobID, a.ContentType, a.Size); err != nil {
		return fmt.Errorf("save attachment: %w", err)
	}
	return nil
}

func (m *attachmentMapper) Get(ctx context.Context, id store.AttachmentID) (store.Attachment, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return store.Attachment{}, err
	}

	query := fmt.Sprintf(`SELECT id, message_id, blob_id, content_type, size FROM %s WHERE id = $1`, m.s.t.attachments)
	var a store.Attachment
	if err := m.s.db.GetContext(ctx, &a, query, id); err != nil {
		return store.Attachment{}, notFound(err)
	}
	return a, nil
}

func (m *attachmentMapper) Delete(ctx context.Context, id store.AttachmentID) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, m.s.t.attachments)
	if _, err := m.s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}
