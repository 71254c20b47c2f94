// Package postgres provides a PostgreSQL implementation of store.Store.
//
// Every mapper has its own table. No statement spans two mappers, so the
// store keeps the non-transactional contract of the store package; a
// transaction is only used inside one mapper (ACL read-modify-write).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rbaliyan/mailstore/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// tables holds the resolved table names.
type tables struct {
	mailboxes       string
	sequences       string
	messages        string
	contents        string
	attachments     string
	acls            string
	userRights      string
	counters        string
	applicableFlags string
	uidSets         string
	subscriptions   string
	annotations     string
	threads         string
	threadLookup    string
}

func newTables(prefix string) tables {
	return tables{
		mailboxes:       prefix + "mailboxes",
		sequences:       prefix + "mailbox_sequences",
		messages:        prefix + "messages",
		contents:        prefix + "contents",
		attachments:     prefix + "attachments",
		acls:            prefix + "acls",
		userRights:      prefix + "user_rights",
		counters:        prefix + "counters",
		applicableFlags: prefix + "applicable_flags",
		uidSets:         prefix + "uid_sets",
		subscriptions:   prefix + "subscriptions",
		annotations:     prefix + "annotations",
		threads:         prefix + "threads",
		threadLookup:    prefix + "thread_lookup",
	}
}

// Store implements store.Store using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	t         tables
	connected int32
	logger    *slog.Logger

	mailboxes     *mailboxMapper
	messages      *messageMapper
	contents      *contentMapper
	attachments   *attachmentMapper
	acls          *aclMapper
	userRights    *userRightsMapper
	counters      *counterMapper
	flags         *applicableFlagMapper
	firstUnseen   *uidSetMapper
	deleted       *uidSetMapper
	recents       *uidSetMapper
	subscriptions *subscriptionMapper
	annotations   *annotationMapper
	threads       *threadDAO
	threadLookup  *threadLookupDAO
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	s := &Store{
		db:     db,
		opts:   o,
		t:      newTables(o.prefix),
		logger: o.logger,
	}
	s.mailboxes = &mailboxMapper{s: s}
	s.messages = &messageMapper{s: s}
	s.contents = &contentMapper{s: s}
	s.attachments = &attachmentMapper{s: s}
	s.acls = &aclMapper{s: s}
	s.userRights = &userRightsMapper{s: s}
	s.counters = &counterMapper{s: s}
	s.flags = &applicableFlagMapper{s: s}
	s.firstUnseen = &uidSetMapper{s: s, kind: "first_unseen"}
	s.deleted = &uidSetMapper{s: s, kind: "deleted"}
	s.recents = &uidSetMapper{s: s, kind: "recent"}
	s.subscriptions = &subscriptionMapper{s: s}
	s.annotations = &annotationMapper{s: s}
	s.threads = &threadDAO{s: s}
	s.threadLookup = &threadLookupDAO{s: s}
	return s
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
// This wraps the sql.DB with sqlx for enhanced functionality.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect initializes the schema and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "prefix", s.opts.prefix)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// ensureSchema creates the required tables and indexes.
func (s *Store) ensureSchema(ctx context.Context) error {
	t := s.t
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			user_name TEXT NOT NULL,
			name TEXT NOT NULL,
			uid_validity BIGINT NOT NULL,
			UNIQUE (namespace, user_name, name)
		)`, t.mailboxes),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			mailbox_id TEXT PRIMARY KEY,
			last_uid BIGINT NOT NULL DEFAULT 0,
			highest_modseq BIGINT NOT NULL DEFAULT 0
		)`, t.sequences),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			mailbox_id TEXT NOT NULL,
			uid BIGINT NOT NULL,
			message_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			system_flags SMALLINT NOT NULL DEFAULT 0,
			user_flags TEXT[] NOT NULL DEFAULT '{}',
			modseq BIGINT NOT NULL,
			internal_date TIMESTAMPTZ NOT NULL,
			save_date TIMESTAMPTZ NOT NULL,
			size BIGINT NOT NULL,
			PRIMARY KEY (mailbox_id, uid)
		)`, t.messages),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			header_blob_id TEXT NOT NULL,
			body_blob_id TEXT NOT NULL,
			size BIGINT NOT NULL,
			body_start BIGINT NOT NULL,
			internal_date TIMESTAMPTZ NOT NULL,
			mime_type TEXT NOT NULL DEFAULT '',
			attachments JSONB NOT NULL DEFAULT '[]'
		)`, t.contents),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			blob_id TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			size BIGINT NOT NULL
		)`, t.attachments),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			mailbox_id TEXT PRIMARY KEY,
			entries JSONB NOT NULL
		)`, t.acls),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			entry_key TEXT NOT NULL,
			mailbox_id TEXT NOT NULL,
			rights TEXT NOT NULL,
			PRIMARY KEY (entry_key, mailbox_id)
		)`, t.userRights),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			mailbox_id TEXT PRIMARY KEY,
			count BIGINT NOT NULL DEFAULT 0,
			unseen BIGINT NOT NULL DEFAULT 0
		)`, t.counters),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			mailbox_id TEXT NOT NULL,
			keyword TEXT NOT NULL,
			PRIMARY KEY (mailbox_id, keyword)
		)`, t.applicableFlags),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			kind TEXT NOT NULL,
			mailbox_id TEXT NOT NULL,
			uid BIGINT NOT NULL,
			PRIMARY KEY (kind, mailbox_id, uid)
		)`, t.uidSets),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			user_name TEXT NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY (user_name, name)
		)`, t.subscriptions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			mailbox_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (mailbox_id, key)
		)`, t.annotations),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			user_name TEXT NOT NULL,
			hash INTEGER NOT NULL,
			message_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			subject_hash INTEGER,
			PRIMARY KEY (user_name, hash, message_id)
		)`, t.threads),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			user_name TEXT NOT NULL,
			hashes BIGINT[] NOT NULL DEFAULT '{}',
			PRIMARY KEY (thread_id, message_id)
		)`, t.threadLookup),
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_message ON %s(message_id)`, t.messages, t.messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_message ON %s(message_id)`, t.attachments, t.attachments),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_mailbox ON %s(mailbox_id)`, t.userRights, t.userRights),
		// Prefix scans of Find and HasChildren.
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_owner_name ON %s(namespace, user_name, name text_pattern_ops)`, t.mailboxes, t.mailboxes),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}

	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// begin checks the connection and bounds ctx by the operation timeout.
func (s *Store) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := s.checkConnected(); err != nil {
		return ctx, func() {}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	return ctx, cancel, nil
}

func (s *Store) Mailboxes() store.MailboxMapper             { return s.mailboxes }
func (s *Store) Messages() store.MessageMapper              { return s.messages }
func (s *Store) Contents() store.ContentMapper              { return s.contents }
func (s *Store) Attachments() store.AttachmentMapper        { return s.attachments }
func (s *Store) ACLs() store.ACLMapper                      { return s.acls }
func (s *Store) UserRights() store.UserRightsMapper         { return s.userRights }
func (s *Store) Counters() store.CounterMapper              { return s.counters }
func (s *Store) ApplicableFlags() store.ApplicableFlagMapper { return s.flags }
func (s *Store) FirstUnseen() store.UIDSetMapper            { return s.firstUnseen }
func (s *Store) DeletedMarkers() store.UIDSetMapper         { return s.deleted }
func (s *Store) Recents() store.UIDSetMapper                { return s.recents }
func (s *Store) Subscriptions() store.SubscriptionMapper    { return s.subscriptions }
func (s *Store) Annotations() store.AnnotationMapper        { return s.annotations }
func (s *Store) Threads() store.ThreadDAO                   { return s.threads }
func (s *Store) ThreadLookup() store.ThreadLookupDAO        { return s.threadLookup }

// uniqueViolation is the SQLSTATE of a unique constraint failure.
const uniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique constraint failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// notFound maps sql.ErrNoRows to store.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePrefix returns a LIKE pattern matching every string starting with p.
func likePrefix(p string) string {
	return likeEscaper.Replace(p) + "%"
}
