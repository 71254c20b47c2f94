package mailstore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/events"
	"github.com/rbaliyan/mailstore/store"
	"github.com/rbaliyan/mailstore/thread"
	"go.opentelemetry.io/otel/attribute"
)

// AppendRequest is a message to store.
type AppendRequest struct {
	// Message is the raw RFC 5322 message.
	Message io.Reader
	// Flags are set on the new message. \Recent is always added.
	Flags store.Flags
	// InternalDate defaults to the current time.
	InternalDate time.Time
}

// AppendResult describes a stored message.
type AppendResult struct {
	MailboxID store.MailboxID
	UID       store.UID
	MessageID store.MessageID
	ThreadID  store.ThreadID
	ModSeq    store.ModSeq
	Size      int64
}

// parsedMessage is what AppendMessage reads from a raw message.
type parsedMessage struct {
	raw       []byte
	bodyStart int
	mimeType  string
	headers   thread.Headers
}

type attachmentPart struct {
	name        string
	contentType string
	data        []byte
}

// parseMessage splits raw into header and body and reads the threading
// headers.
func parseMessage(raw []byte) (*parsedMessage, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %w", ErrInvalidMessage, err)
	}
	rest, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrInvalidMessage, err)
	}

	mh := mail.Header{Header: message.Header{Header: h}}
	p := &parsedMessage{
		raw:       raw,
		bodyStart: len(raw) - len(rest),
		mimeType:  store.ContentTypeText,
	}
	if ct, _, err := mh.ContentType(); err == nil && ct != "" {
		p.mimeType = ct
	}
	// Malformed ids and subjects count as absent.
	p.headers.MimeMessageID, _ = mh.MessageID()
	if ids, _ := mh.MsgIDList(store.HeaderInReplyTo); len(ids) > 0 {
		p.headers.InReplyTo = ids[0]
	}
	p.headers.References, _ = mh.MsgIDList(store.HeaderReferences)
	p.headers.Subject, _ = mh.Subject()
	return p, nil
}

// attachments returns the attachment parts of the message.
func (p *parsedMessage) attachments() ([]attachmentPart, error) {
	if !strings.HasPrefix(p.mimeType, "multipart/") {
		return nil, nil
	}
	mr, err := mail.CreateReader(bytes.NewReader(p.raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}
	defer mr.Close()

	var out []attachmentPart
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return out, nil
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return out, err
		}
		h, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		data, err := io.ReadAll(part.Body)
		if err != nil {
			return out, err
		}
		name, _ := h.Filename()
		ct, _, _ := h.ContentType()
		if ct == "" {
			ct = "application/octet-stream"
		}
		out = append(out, attachmentPart{name: name, contentType: ct, data: data})
	}
}

// AppendMessage stores a message in the mailbox at path.
func (c *userClient) AppendMessage(ctx context.Context, path store.MailboxPath, req AppendRequest) (result *AppendResult, err error) {
	release, err := c.beginMutation(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, end := c.service.otel.instrument(ctx, opAppend, attribute.String("user", c.user))
	defer func() { end(err) }()

	blobs := c.service.blobs
	if blobs == nil {
		return nil, ErrBlobStoreRequired
	}
	if req.Message == nil {
		return nil, fmt.Errorf("%w: no content", ErrInvalidMessage)
	}
	mb, err := c.loadMailbox(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := c.require(ctx, mb, acl.Insert); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(req.Message)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	parsed, err := parseMessage(raw)
	if err != nil {
		return nil, err
	}

	mid := store.NewMessageID()
	parsed.headers.MessageID = mid
	internalDate := req.InternalDate
	if internalDate.IsZero() {
		internalDate = time.Now()
	}
	content := store.MessageContent{
		MessageID:    mid,
		Size:         int64(len(raw)),
		BodyStart:    int64(parsed.bodyStart),
		InternalDate: internalDate,
		MIMEType:     parsed.mimeType,
	}

	// Until the association is added nothing references what is stored
	// below, so a failure removes all of it.
	committed := false
	defer func() {
		if !committed {
			c.discardContent(context.WithoutCancel(ctx), content)
		}
	}()

	tid, err := c.service.threads.AssignThread(ctx, mb.Owner(), parsed.headers)
	if err != nil {
		return nil, fmt.Errorf("assign thread: %w", err)
	}
	content.ThreadID = tid

	if content.HeaderBlobID, err = blobs.Save(ctx, store.BucketMessages, store.ContentTypeMessage, bytes.NewReader(raw[:parsed.bodyStart])); err != nil {
		return nil, fmt.Errorf("save header: %w", err)
	}
	if content.BodyBlobID, err = blobs.Save(ctx, store.BucketMessages, parsed.mimeType, bytes.NewReader(raw[parsed.bodyStart:])); err != nil {
		return nil, fmt.Errorf("save body: %w", err)
	}
	if err := c.saveAttachments(ctx, parsed, &content); err != nil {
		return nil, err
	}
	if err := c.service.store.Contents().Save(ctx, content); err != nil {
		return nil, fmt.Errorf("save content: %w", err)
	}

	messages := c.service.store.Messages()
	uid, err := messages.NextUID(ctx, mb.ID)
	if err != nil {
		return nil, fmt.Errorf("allocate uid: %w", err)
	}
	modseq, err := messages.NextModSeq(ctx, mb.ID)
	if err != nil {
		return nil, fmt.Errorf("allocate modseq: %w", err)
	}
	meta := store.MessageMetadata{
		MailboxID:    mb.ID,
		UID:          uid,
		MessageID:    mid,
		ThreadID:     tid,
		Flags:        req.Flags.Union(store.Flags{System: store.FlagRecent}),
		ModSeq:       modseq,
		InternalDate: internalDate,
		SaveDate:     time.Now(),
		Size:         content.Size,
	}
	if err := messages.Add(ctx, meta); err != nil {
		return nil, fmt.Errorf("add message: %w", err)
	}
	committed = true

	if err := c.indexAdded(ctx, mb.ID, []store.MessageMetadata{meta}); err != nil {
		return nil, err
	}
	c.logger().DebugContext(ctx, "message appended", "mailbox", mb.Path.String(), "uid", uid, "message_id", mid)

	result = &AppendResult{MailboxID: mb.ID, UID: uid, MessageID: mid, ThreadID: tid, ModSeq: modseq, Size: content.Size}
	return result, c.dispatch(ctx, events.Added{
		Header:   events.NewHeader(c.user, mb.ID, mb.Path),
		Messages: events.MetadataByUID([]store.MessageMetadata{meta}),
	})
}

func (c *userClient) saveAttachments(ctx context.Context, parsed *parsedMessage, content *store.MessageContent) error {
	parts, err := parsed.attachments()
	if err != nil {
		// The message is stored whole; only the attachment index is lost.
		c.logger().WarnContext(ctx, "cannot walk message parts", "message_id", content.MessageID, "error", err)
	}
	for _, part := range parts {
		blobID, err := c.service.blobs.Save(ctx, store.BucketAttachments, part.contentType, bytes.NewReader(part.data))
		if err != nil {
			return fmt.Errorf("save attachment %q: %w", part.name, err)
		}
		att := store.Attachment{
			ID:          store.NewAttachmentID(),
			MessageID:   content.MessageID,
			BlobID:      blobID,
			ContentType: part.contentType,
			Size:        int64(len(part.data)),
		}
		content.Attachments = append(content.Attachments, store.MessageAttachment{
			AttachmentID: att.ID,
			Name:         part.name,
			ContentType:  part.contentType,
		})
		if err := c.service.store.Attachments().Save(ctx, att); err != nil {
			return fmt.Errorf("save attachment %q: %w", part.name, err)
		}
	}
	return nil
}

// discardContent removes what a failed append stored before any
// association referenced it, thread rows included.
func (c *userClient) discardContent(ctx context.Context, content store.MessageContent) {
	st, blobs := c.service.store, c.service.blobs
	var errs []error
	for _, a := range content.Attachments {
		if att, err := st.Attachments().Get(ctx, a.AttachmentID); err == nil {
			errs = append(errs, blobs.Delete(ctx, store.BucketAttachments, att.BlobID))
		}
		errs = append(errs, st.Attachments().Delete(ctx, a.AttachmentID))
	}
	for _, id := range []store.BlobID{content.HeaderBlobID, content.BodyBlobID} {
		if id != "" {
			errs = append(errs, blobs.Delete(ctx, store.BucketMessages, id))
		}
	}
	errs = append(errs, st.Contents().Delete(ctx, content.MessageID))
	if content.ThreadID != "" {
		errs = append(errs, c.service.threads.Forget(ctx, content.ThreadID, content.MessageID))
	}
	if err := errors.Join(errs...); err != nil {
		c.logger().WarnContext(ctx, "cleanup of failed append incomplete", "message_id", content.MessageID, "error", err)
	}
}

// FlagMode selects how SetFlags combines flags.
type FlagMode uint8

const (
	FlagsAdd FlagMode = iota
	FlagsRemove
	FlagsReplace
)

// FlagChange is a flag update applied by SetFlags. \Recent cannot be set
// or cleared by a client and is ignored.
type FlagChange struct {
	Mode  FlagMode
	Flags store.Flags
}

func (f FlagChange) apply(current store.Flags) store.Flags {
	flags := f.Flags.Except(store.Flags{System: store.FlagRecent})
	recent := store.Flags{System: current.System & store.FlagRecent}
	switch f.Mode {
	case FlagsRemove:
		return current.Except(flags)
	case FlagsReplace:
		return flags.Union(recent)
	default:
		return current.Union(flags)
	}
}

// requiredRights returns the rights needed to make the change: s for
// \Seen, t for \Deleted and w for anything else.
func (f FlagChange) requiredRights() []acl.Right {
	if f.Mode == FlagsReplace {
		return []acl.Right{acl.WriteSeenFlag, acl.DeleteMessages, acl.Write}
	}
	var out []acl.Right
	if f.Flags.Has(store.FlagSeen) {
		out = append(out, acl.WriteSeenFlag)
	}
	if f.Flags.Has(store.FlagDeleted) {
		out = append(out, acl.DeleteMessages)
	}
	if f.Flags.System&^(store.FlagSeen|store.FlagDeleted|store.FlagRecent) != 0 || len(f.Flags.User) > 0 {
		out = append(out, acl.Write)
	}
	return out
}

// SetFlags changes the flags of the messages of r. Only messages whose flags
// actually change get a new modseq; they are returned.
func (c *userClient) SetFlags(ctx context.Context, path store.MailboxPath, r store.UIDRange, change FlagChange) (updated []store.MessageMetadata, err error) {
	release, err := c.beginMutation(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, end := c.service.otel.instrument(ctx, opSetFlags, attribute.String("user", c.user))
	defer func() { end(err) }()

	mb, err := c.loadMailbox(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := c.require(ctx, mb, append([]acl.Right{acl.Read}, change.requiredRights()...)...); err != nil {
		return nil, err
	}

	messages := c.service.store.Messages()
	rows, err := messages.List(ctx, mb.ID, r)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	var changes []events.FlagsUpdate
	for _, m := range rows {
		next := change.apply(m.Flags)
		if next.Equal(m.Flags) {
			continue
		}
		modseq, err := messages.NextModSeq(ctx, mb.ID)
		if err != nil {
			return updated, fmt.Errorf("allocate modseq: %w", err)
		}
		before := m.Flags
		m.Flags, m.ModSeq = next, modseq
		if err := messages.UpdateFlags(ctx, m); err != nil {
			return updated, fmt.Errorf("update flags of uid %d: %w", m.UID, err)
		}
		if err := c.indexFlagsChanged(ctx, mb.ID, m.UID, before, next); err != nil {
			return updated, err
		}
		updated = append(updated, m)
		changes = append(changes, events.FlagsUpdate{
			UID: m.UID, MessageID: m.MessageID, ModSeq: modseq, OldFlags: before, NewFlags: next,
		})
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return updated, c.dispatch(ctx, events.FlagsUpdated{
		Header:  events.NewHeader(c.user, mb.ID, mb.Path),
		Updates: changes,
	})
}

// Expunge removes the messages of r flagged \Deleted. Pre-deletion hooks
// run first and can veto the expunge.
func (c *userClient) Expunge(ctx context.Context, path store.MailboxPath, r store.UIDRange) (removed []store.MessageMetadata, err error) {
	release, err := c.beginMutation(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, end := c.service.otel.instrument(ctx, opExpunge, attribute.String("user", c.user))
	defer func() { end(err) }()

	mb, err := c.loadMailbox(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := c.require(ctx, mb, acl.PerformExpunge); err != nil {
		return nil, err
	}
	rows, err := c.service.store.Messages().List(ctx, mb.ID, r)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	var doomed []store.MessageMetadata
	for _, m := range rows {
		if m.Flags.Has(store.FlagDeleted) {
			doomed = append(doomed, m)
		}
	}
	if len(doomed) == 0 {
		return nil, nil
	}

	if err := c.service.plugins.beforeDeletion(ctx, DeletionRequest{
		Kind:     DeletionExpunge,
		User:     c.user,
		Mailbox:  mb.Clone(),
		Messages: doomed,
	}); err != nil {
		return nil, err
	}
	return c.removeAssociations(ctx, mb, doomed)
}

// removeAssociations deletes association rows, updates the projections and
// publishes Expunged with what was removed.
func (c *userClient) removeAssociations(ctx context.Context, mb *store.Mailbox, rows []store.MessageMetadata) ([]store.MessageMetadata, error) {
	var (
		removed []store.MessageMetadata
		errs    []error
	)
	for _, m := range rows {
		if err := c.service.store.Messages().Delete(ctx, m.ComposedID()); err != nil {
			errs = append(errs, fmt.Errorf("delete uid %d: %w", m.UID, err))
			continue
		}
		removed = append(removed, m)
	}
	if len(removed) > 0 {
		errs = append(errs, c.indexRemoved(ctx, mb.ID, removed))
		errs = append(errs, c.dispatch(ctx, events.Expunged{
			Header:   events.NewHeader(c.user, mb.ID, mb.Path),
			Messages: events.MetadataByUID(removed),
		}))
	}
	return removed, errors.Join(errs...)
}

// ReadMessage returns the raw message with uid.
func (c *userClient) ReadMessage(ctx context.Context, path store.MailboxPath, uid store.UID) (io.ReadCloser, error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}
	if c.service.blobs == nil {
		return nil, ErrBlobStoreRequired
	}
	mb, err := c.loadMailbox(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := c.require(ctx, mb, acl.Read); err != nil {
		return nil, err
	}
	rows, err := c.service.store.Messages().List(ctx, mb.ID, store.OneUID(uid))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("mailstore: message %d: %w", uid, store.ErrNotFound)
	}
	content, err := c.service.store.Contents().Get(ctx, rows[0].MessageID)
	if err != nil {
		return nil, fmt.Errorf("load content: %w", err)
	}
	header, err := c.service.blobs.Read(ctx, store.BucketMessages, content.HeaderBlobID)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	body, err := c.service.blobs.Read(ctx, store.BucketMessages, content.BodyBlobID)
	if err != nil {
		header.Close()
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &messageReader{Reader: io.MultiReader(header, body), closers: []io.Closer{header, body}}, nil
}

type messageReader struct {
	io.Reader
	closers []io.Closer
}

func (r *messageReader) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
