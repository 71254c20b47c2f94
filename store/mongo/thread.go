package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/rbaliyan/mailstore/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// threadDoc is a row of the thread table.
type threadDoc struct {
	User        string `bson:"user"`
	Hash        int32  `bson:"hash"`
	MessageID   string `bson:"message_id"`
	ThreadID    string `bson:"thread_id"`
	SubjectHash *int32 `bson:"subject_hash,omitempty"`
}

func (d threadDoc) toRow() store.ThreadRow {
	return store.ThreadRow{
		Hash:        d.Hash,
		SubjectHash: d.SubjectHash,
		MessageID:   store.MessageID(d.MessageID),
		ThreadID:    store.ThreadID(d.ThreadID),
	}
}

type threadDAO struct {
	s *Store
}

// InsertSome upserts one document per hash in a single unordered batch.
func (d *threadDAO) InsertSome(ctx context.Context, user string, hashes []int32, mid store.MessageID, tid store.ThreadID, subjectHash *int32) error {
	if len(hashes) == 0 {
		return nil
	}
	ctx, cancel, err := d.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	models := make([]mongo.WriteModel, 0, len(hashes))
	for _, h := range hashes {
		doc := threadDoc{User: user, Hash: h, MessageID: string(mid), ThreadID: string(tid), SubjectHash: subjectHash}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"user": user, "hash": h, "message_id": string(mid)}).
			SetReplacement(doc).
			SetUpsert(true))
	}
	if _, err := d.s.threads.BulkWrite(ctx, models, mongoopts.BulkWrite().SetOrdered(false)); err != nil {
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

	cursor, err := d.s.threads.Find(ctx, bson.M{"user": user, "hash": bson.M{"$in": hashes}})
	if err != nil {
		return nil, fmt.Errorf("select thread rows: %w", err)
	}
	var docs []threadDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode thread rows: %w", err)
	}

	out := make([]store.ThreadRow, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toRow())
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

	filter := bson.M{"user": user, "hash": bson.M{"$in": hashes}, "message_id": string(mid)}
	if _, err := d.s.threads.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("delete thread rows: %w", err)
	}
	return nil
}

// lookupDoc is an entry of the thread lookup table.
type lookupDoc struct {
	ThreadID  string  `bson:"thread_id"`
	MessageID string  `bson:"message_id"`
	User      string  `bson:"user"`
	Hashes    []int32 `bson:"hashes"`
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

	hashes := e.Hashes
	if hashes == nil {
		hashes = []int32{}
	}
	doc := lookupDoc{ThreadID: string(e.ThreadID), MessageID: string(e.MessageID), User: e.User, Hashes: hashes}
	filter := bson.M{"thread_id": doc.ThreadID, "message_id": doc.MessageID}
	if _, err := d.s.threadLookup.ReplaceOne(ctx, filter, doc, mongoopts.Replace().SetUpsert(true)); err != nil {
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

	var doc lookupDoc
	err = d.s.threadLookup.FindOne(ctx, bson.M{"thread_id": string(tid), "message_id": string(mid)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.ThreadLookupEntry{}, store.ErrNotFound
		}
		return store.ThreadLookupEntry{}, fmt.Errorf("select thread lookup: %w", err)
	}
	return store.ThreadLookupEntry{
		ThreadID:  tid,
		MessageID: mid,
		User:      doc.User,
		Hashes:    doc.Hashes,
	}, nil
}

func (d *threadLookupDAO) SelectAll(ctx context.Context, tid store.ThreadID) ([]store.MessageID, error) {
	ctx, cancel, err := d.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	findOpts := mongoopts.Find().
		SetSort(bson.D{{Key: "message_id", Value: 1}}).
		SetProjection(bson.M{"message_id": 1})
	cursor, err := d.s.threadLookup.Find(ctx, bson.M{"thread_id": string(tid)}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("select thread members: %w", err)
	}
	var docs []lookupDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode thread members: %w", err)
	}

	out := make([]store.MessageID, 0, len(docs))
	for _, doc := range docs {
		out = append(out, store.MessageID(doc.MessageID))
	}
	return out, nil
}

func (d *threadLookupDAO) DeleteOne(ctx context.Context, tid store.ThreadID, mid store.MessageID) error {
	ctx, cancel, err := d.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	if _, err := d.s.threadLookup.DeleteOne(ctx, bson.M{"thread_id": string(tid), "message_id": string(mid)}); err != nil {
		return fmt.Errorf("delete thread lookup: %w", err)
	}
	return nil
}
