package store

import (
	"fmt"
	"strings"
)

// NamespacePrivate is the namespace of personal mailboxes.
const NamespacePrivate = "#private"

// Inbox is the canonical name of the INBOX mailbox.
const Inbox = "INBOX"

// MaxMailboxNameLength is the longest accepted mailbox name, in bytes.
const MaxMailboxNameLength = 200

// DefaultDelimiter separates hierarchy levels in mailbox names.
const DefaultDelimiter = '.'

// forbiddenNameChars may not appear in a mailbox name.
const forbiddenNameChars = "%*\r\n"

// MailboxPath addresses a mailbox: the owner's namespace, the owner and the
// hierarchical name.
type MailboxPath struct {
	Namespace string `json:"namespace" bson:"namespace"`
	User      string `json:"user" bson:"user"`
	Name      string `json:"name" bson:"name"`
}

// NewPath returns a private path for user.
func NewPath(user, name string) MailboxPath {
	return MailboxPath{Namespace: NamespacePrivate, User: user, Name: name}
}

// InboxPath returns the INBOX path of user.
func InboxPath(user string) MailboxPath {
	return NewPath(user, Inbox)
}

// IsInbox reports whether the path names the INBOX, ignoring case.
func (p MailboxPath) IsInbox() bool {
	return strings.EqualFold(p.Name, Inbox)
}

// BelongsTo reports whether the path is in the private namespace of user.
func (p MailboxPath) BelongsTo(user string) bool {
	return p.Namespace == NamespacePrivate && p.User == user
}

// String returns "namespace:user:name". It is used as the lock key.
func (p MailboxPath) String() string {
	return p.Namespace + ":" + p.User + ":" + p.Name
}

var pathEscaper = strings.NewReplacer(`\`, `\\`, `:`, `\:`)

// Escaped returns a form of the path in which each component has ':' and '\'
// escaped, so the three components can be split back unambiguously.
func (p MailboxPath) Escaped() string {
	return pathEscaper.Replace(p.Namespace) + ":" + pathEscaper.Replace(p.User) + ":" + pathEscaper.Replace(p.Name)
}

// WithName returns a copy of p with another name.
func (p MailboxPath) WithName(name string) MailboxPath {
	p.Name = name
	return p
}

// Sanitize strips one trailing delimiter and canonicalizes a leading INBOX
// segment to upper case.
func (p MailboxPath) Sanitize(delim rune) MailboxPath {
	d := string(delim)
	p.Name = strings.TrimSuffix(p.Name, d)
	first, rest, hasRest := strings.Cut(p.Name, d)
	if strings.EqualFold(first, Inbox) {
		p.Name = Inbox
		if hasRest {
			p.Name += d + rest
		}
	}
	return p
}

// Validate checks that the name is acceptable: no empty hierarchy level, no
// wildcard or line break characters and at most MaxMailboxNameLength bytes.
func (p MailboxPath) Validate(delim rune) error {
	d := string(delim)
	switch {
	case p.Name == "":
		return &PathError{Path: p, Reason: "empty name"}
	case strings.HasPrefix(p.Name, d), strings.HasSuffix(p.Name, d), strings.Contains(p.Name, d+d):
		return &PathError{Path: p, Reason: "empty name in hierarchy"}
	case strings.ContainsAny(p.Name, forbiddenNameChars):
		return &PathError{Path: p, Reason: "'%', '*', CR and LF are forbidden"}
	case len(p.Name) > MaxMailboxNameLength:
		return &PathError{Path: p, Reason: fmt.Sprintf("name longer than %d bytes", MaxMailboxNameLength), Err: ErrNameTooLong}
	}
	return nil
}

// HierarchyLevels returns the path of every level from the root to p.
// "a.b.c" yields "a", "a.b" and "a.b.c".
func (p MailboxPath) HierarchyLevels(delim rune) []MailboxPath {
	if p.Name == "" {
		return []MailboxPath{p}
	}
	var out []MailboxPath
	for i, c := range p.Name {
		if c == delim {
			out = append(out, p.WithName(p.Name[:i]))
		}
	}
	return append(out, p)
}

// Parents returns the proper ancestors of p, nearest first.
func (p MailboxPath) Parents(delim rune) []MailboxPath {
	levels := p.HierarchyLevels(delim)
	parents := levels[:len(levels)-1]
	out := make([]MailboxPath, 0, len(parents))
	for i := len(parents) - 1; i >= 0; i-- {
		out = append(out, parents[i])
	}
	return out
}

// ChildPrefix returns the name prefix shared by every descendant of p.
func (p MailboxPath) ChildPrefix(delim rune) string {
	return p.Name + string(delim)
}

// IsDescendantOf reports whether p lies strictly below parent.
func (p MailboxPath) IsDescendantOf(parent MailboxPath, delim rune) bool {
	return p.Namespace == parent.Namespace && p.User == parent.User &&
		strings.HasPrefix(p.Name, parent.ChildPrefix(delim))
}

// Compare orders paths by namespace, user and name.
func (p MailboxPath) Compare(o MailboxPath) int {
	if c := strings.Compare(p.Namespace, o.Namespace); c != 0 {
		return c
	}
	if c := strings.Compare(p.User, o.User); c != 0 {
		return c
	}
	return strings.Compare(p.Name, o.Name)
}

// PathError reports an unacceptable mailbox path.
type PathError struct {
	Path   MailboxPath
	Reason string
	Err    error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("store: invalid mailbox path %q: %s", e.Path.Name, e.Reason)
}

// Unwrap returns ErrInvalidPath, or a more specific sentinel when set.
func (e *PathError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidPath, e.Err}
	}
	return []error{ErrInvalidPath}
}
