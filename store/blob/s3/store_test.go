package s3

import (
	"context"
	"regexp"
	"testing"

	"github.com/aws/aws-sdk-go-v2/credentials"
)

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background()); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestOptions(t *testing.T) {
	o := newOptions()
	if o.region != DefaultRegion || o.prefix != DefaultPrefix {
		t.Fatalf("defaults = %q %q", o.region, o.prefix)
	}

	o = newOptions(WithRegion(""), WithAssumeRole("arn:aws:iam::1:role/r", ""))
	if o.region != DefaultRegion {
		t.Errorf("empty region replaced default: %q", o.region)
	}
	if o.roleSessionName != DefaultSessionName {
		t.Errorf("session name = %q", o.roleSessionName)
	}
}

func TestCredentialsProvider(t *testing.T) {
	ctx := context.Background()

	p, err := credentialsProvider(ctx, newOptions())
	if err != nil || p != nil {
		t.Fatalf("default chain: provider=%v err=%v", p, err)
	}

	p, err = credentialsProvider(ctx, newOptions(
		WithStaticCredentials("AKID", "SECRET"),
		WithSessionToken("TOKEN"),
		WithAssumeRole("arn:aws:iam::1:role/r", "s"),
	))
	if err != nil {
		t.Fatal(err)
	}
	static, ok := p.(credentials.StaticCredentialsProvider)
	if !ok {
		t.Fatalf("provider = %T, want static", p)
	}
	if static.Value.AccessKeyID != "AKID" || static.Value.SessionToken != "TOKEN" {
		t.Errorf("value = %+v", static.Value)
	}
}

func TestKey(t *testing.T) {
	s := &Store{prefix: "blobs"}
	if got := s.key("messages", "2024/01/02/abc"); got != "blobs/messages/2024/01/02/abc" {
		t.Errorf("key = %q", got)
	}
	s.prefix = ""
	if got := s.key("attachments", "x"); got != "attachments/x" {
		t.Errorf("key = %q", got)
	}
}

func TestNewBlobID(t *testing.T) {
	re := regexp.MustCompile(`^\d{4}/\d{2}/\d{2}/[0-9a-f-]{36}$`)
	a, b := newBlobID(), newBlobID()
	if !re.MatchString(string(a)) {
		t.Errorf("id %q has unexpected shape", a)
	}
	if a == b {
		t.Error("ids repeat")
	}
}
