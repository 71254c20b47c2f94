// Package acl implements RFC 4314 access control lists for mailboxes.
//
// Rights are single letters. A mailbox ACL maps entry keys (users, groups and
// the special identifiers owner, anyone and authenticated) to rights. Negative
// entries subtract rights granted by positive ones.
package acl

import (
	"errors"
	"fmt"
	"strings"
)

// Right is a single RFC 4314 right.
type Right rune

// Standard rights.
const (
	Lookup         Right = 'l' // mailbox is visible to LIST
	Read           Right = 'r' // SELECT, FETCH, SEARCH, COPY from
	WriteSeenFlag  Right = 's' // keep \Seen across sessions
	Write          Right = 'w' // set flags other than \Seen and \Deleted
	Insert         Right = 'i' // APPEND, COPY into
	Post           Right = 'p' // send mail to the submission address
	CreateMailbox  Right = 'k' // create child mailboxes
	DeleteMailbox  Right = 'x' // delete or rename the mailbox
	DeleteMessages Right = 't' // set or clear \Deleted
	PerformExpunge Right = 'e' // EXPUNGE
	Administer     Right = 'a' // SETACL, DELETEACL, GETACL, LISTRIGHTS
)

// canonical is the serialization order of rights.
const canonical = "lrswipkxtea"

// ErrUnsupportedRight is returned for a right letter that is unknown or not
// grantable in the current deployment.
var ErrUnsupportedRight = errors.New("acl: unsupported right")

// Rights is a set of rights.
type Rights uint16

// Well-known right sets.
const (
	NoRights  Rights = 0
	AllRights Rights = 1<<len(canonical) - 1
)

func (r Right) bit() (Rights, bool) {
	i := strings.IndexRune(canonical, rune(r))
	if i < 0 {
		return 0, false
	}
	return 1 << i, true
}

// String returns the right letter.
func (r Right) String() string { return string(r) }

// NewRights builds a set from rights. Unknown rights are ignored.
func NewRights(rights ...Right) Rights {
	var out Rights
	for _, r := range rights {
		if b, ok := r.bit(); ok {
			out |= b
		}
	}
	return out
}

// ParseRights parses a string of right letters such as "lrs".
func ParseRights(s string) (Rights, error) {
	var out Rights
	for _, c := range s {
		b, ok := Right(c).bit()
		if !ok {
			return NoRights, fmt.Errorf("%w: %q", ErrUnsupportedRight, c)
		}
		out |= b
	}
	return out, nil
}

// MustParseRights is like ParseRights but panics on error.
func MustParseRights(s string) Rights {
	r, err := ParseRights(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Contains reports whether every given right is in the set.
func (r Rights) Contains(rights ...Right) bool {
	for _, right := range rights {
		b, ok := right.bit()
		if !ok || r&b == 0 {
			return false
		}
	}
	return true
}

// Includes reports whether o is a subset of r.
func (r Rights) Includes(o Rights) bool { return r&o == o }

// Union returns r ∪ o.
func (r Rights) Union(o Rights) Rights { return r | o }

// Except returns r \ o.
func (r Rights) Except(o Rights) Rights { return r &^ o }

// IsEmpty reports whether the set holds no right.
func (r Rights) IsEmpty() bool { return r == NoRights }

// List returns the rights in canonical order.
func (r Rights) List() []Right {
	out := make([]Right, 0, len(canonical))
	for i, c := range canonical {
		if r&(1<<i) != 0 {
			out = append(out, Right(c))
		}
	}
	return out
}

// String serializes the set in canonical order.
func (r Rights) String() string {
	var b strings.Builder
	for _, right := range r.List() {
		b.WriteRune(rune(right))
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (r Rights) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Rights) UnmarshalText(b []byte) error {
	parsed, err := ParseRights(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
