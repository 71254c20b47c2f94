package mongo

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rbaliyan/mailstore/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

type annotationDoc struct {
	MailboxID string `bson:"mailbox_id"`
	Key       string `bson:"key"`
	Value     string `bson:"value"`
}

type annotationMapper struct {
	s *Store
}

func (m *annotationMapper) GetAll(ctx context.Context, id store.MailboxID) ([]store.Annotation, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	cursor, err := m.s.annotations.Find(ctx, bson.M{"mailbox_id": string(id)})
	if err != nil {
		return nil, fmt.Errorf("get annotations: %w", err)
	}
	var docs []annotationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode annotations: %w", err)
	}

	out := make([]store.Annotation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, store.Annotation{Key: doc.Key, Value: doc.Value})
	}
	// Byte order, independent of the server collation.
	slices.SortFunc(out, func(a, b store.Annotation) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

func (m *annotationMapper) GetByKeys(ctx context.Context, id store.MailboxID, keys []string, depth store.AnnotationDepth) ([]store.Annotation, error) {
	all, err := m.GetAll(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []store.Annotation
	for _, a := range all {
		if slices.ContainsFunc(keys, func(k string) bool { return store.AnnotationKeyMatches(a.Key, k, depth) }) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *annotationMapper) InsertOrUpdate(ctx context.Context, id store.MailboxID, a store.Annotation) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	filter := bson.M{"mailbox_id": string(id), "key": a.Key}
	update := bson.M{"$set": bson.M{"value": a.Value}}
	if _, err := m.s.annotations.UpdateOne(ctx, filter, update, mongoopts.UpdateOne().SetUpsert(true)); err != nil {
		return fmt.Errorf("write annotation: %w", err)
	}
	return nil
}

func (m *annotationMapper) Delete(ctx context.Context, id store.MailboxID, key string) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	if _, err := m.s.annotations.DeleteOne(ctx, bson.M{"mailbox_id": string(id), "key": key}); err != nil {
		return fmt.Errorf("delete annotation: %w", err)
	}
	return nil
}

func (m *annotationMapper) Exists(ctx context.Context, id store.MailboxID, key string) (bool, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return false, err
	}

	n, err := m.s.annotations.CountDocuments(ctx, bson.M{"mailbox_id": string(id), "key": key}, mongoopts.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("check annotation: %w", err)
	}
	return n > 0, nil
}

func (m *annotationMapper) Count(ctx context.Context, id store.MailboxID) (int, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, err
	}

	n, err := m.s.annotations.CountDocuments(ctx, bson.M{"mailbox_id": string(id)})
	if err != nil {
		return 0, fmt.Errorf("count annotations: %w", err)
	}
	return int(n), nil
}

func (m *annotationMapper) DeleteAll(ctx context.Context, id store.MailboxID) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	if _, err := m.s.annotations.DeleteMany(ctx, bson.M{"mailbox_id": string(id)}); err != nil {
		return fmt.Errorf("delete annotations: %w", err)
	}
	return nil
}

type subscriptionDoc struct {
	User string `bson:"user"`
	Name string `bson:"name"`
}

type subscriptionMapper struct {
	s *Store
}

func (m *subscriptionMapper) Save(ctx context.Context, user, name string) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	filter := bson.M{"user": user, "name": name}
	update := bson.M{"$setOnInsert": subscriptionDoc{User: user, Name: name}}
	if _, err := m.s.subscriptions.UpdateOne(ctx, filter, update, mongoopts.UpdateOne().SetUpsert(true)); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

func (m *subscriptionMapper) Delete(ctx context.Context, user, name string) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	if _, err := m.s.subscriptions.DeleteOne(ctx, bson.M{"user": user, "name": name}); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

func (m *subscriptionMapper) List(ctx context.Context, user string) ([]string, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	cursor, err := m.s.subscriptions.Find(ctx, bson.M{"user": user})
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	var docs []subscriptionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode subscriptions: %w", err)
	}

	names := make([]string, 0, len(docs))
	for _, doc := range docs {
		names = append(names, doc.Name)
	}
	slices.Sort(names)
	return names, nil
}
