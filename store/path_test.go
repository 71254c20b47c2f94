package store

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trailing delimiter", "work.", "work"},
		{"inbox lower case", "inbox", "INBOX"},
		{"inbox child", "Inbox.Sub", "INBOX.Sub"},
		{"inbox prefix only", "inboxes", "inboxes"},
		{"unchanged", "a.b", "a.b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewPath("bob", tt.in).Sanitize('.')
			if got.Name != tt.want {
				t.Fatalf("Sanitize(%q) = %q, want %q", tt.in, got.Name, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr error
	}{
		{"valid", "a.b.c", nil},
		{"empty", "", ErrInvalidPath},
		{"leading delimiter", ".a", ErrInvalidPath},
		{"double delimiter", "a..b", ErrInvalidPath},
		{"percent", "a%", ErrInvalidPath},
		{"star", "a*b", ErrInvalidPath},
		{"newline", "a\nb", ErrInvalidPath},
		{"too long", strings.Repeat("a", MaxMailboxNameLength+1), ErrNameTooLong},
		{"max length", strings.Repeat("a", MaxMailboxNameLength), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewPath("bob", tt.in).Validate('.')
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if !errors.Is(err, ErrInvalidPath) {
				t.Fatalf("expected every path error to match ErrInvalidPath, got %v", err)
			}
		})
	}
}

func TestHierarchyLevels(t *testing.T) {
	levels := NewPath("bob", "a.b.c").HierarchyLevels('.')
	want := []string{"a", "a.b", "a.b.c"}
	if len(levels) != len(want) {
		t.Fatalf("expected %d levels, got %d", len(want), len(levels))
	}
	for i, l := range levels {
		if l.Name != want[i] || l.User != "bob" {
			t.Errorf("level %d = %+v, want name %q", i, l, want[i])
		}
	}

	parents := NewPath("bob", "a.b.c").Parents('.')
	if len(parents) != 2 || parents[0].Name != "a.b" || parents[1].Name != "a" {
		t.Fatalf("unexpected parents: %+v", parents)
	}
	if got := NewPath("bob", "a").Parents('.'); len(got) != 0 {
		t.Fatalf("root mailbox has no parent, got %+v", got)
	}
}

func TestIsDescendantOf(t *testing.T) {
	parent := NewPath("bob", "a")
	if !NewPath("bob", "a.b").IsDescendantOf(parent, '.') {
		t.Error("a.b should be below a")
	}
	if NewPath("bob", "ab").IsDescendantOf(parent, '.') {
		t.Error("ab is a sibling, not a child")
	}
	if NewPath("alice", "a.b").IsDescendantOf(parent, '.') {
		t.Error("other users' mailboxes are never descendants")
	}
}

func TestEscaped(t *testing.T) {
	p := NewPath("bob:smith", `a\b`)
	if got, want := p.Escaped(), `#private:bob\:smith:a\\b`; got != want {
		t.Fatalf("Escaped() = %q, want %q", got, want)
	}
}
