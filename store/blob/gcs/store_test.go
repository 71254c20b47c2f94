package gcs

import (
	"context"
	"testing"
)

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background()); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestClientOptions(t *testing.T) {
	opts, err := clientOptions(newOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(opts) != 0 {
		t.Errorf("default credentials produced %d options", len(opts))
	}

	opts, err = clientOptions(newOptions(WithAPIKey("key"), WithEndpoint("http://localhost:4443/storage/v1/")))
	if err != nil {
		t.Fatal(err)
	}
	if len(opts) != 2 {
		t.Errorf("api key with endpoint produced %d options", len(opts))
	}

	if _, err := clientOptions(newOptions(WithCredentialsJSON([]byte("{not json")))); err == nil {
		t.Error("expected error for malformed credentials")
	}
}

func TestObjectName(t *testing.T) {
	s := &Store{prefix: DefaultPrefix}
	if got := s.object("messages", "2024/05/06/id"); got != "blobs/messages/2024/05/06/id" {
		t.Errorf("object = %q", got)
	}
}
