package acl

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// NameType is the kind of identifier an entry applies to.
type NameType uint8

const (
	NameUser NameType = iota
	NameGroup
	NameSpecial
)

// Special identifiers.
const (
	SpecialOwner         = "owner"
	SpecialAnyone        = "anyone"
	SpecialAuthenticated = "authenticated"
)

const (
	negativePrefix = "-"
	groupPrefix    = "$"
)

// ErrInvalidEntryKey is returned when an entry key cannot be parsed.
var ErrInvalidEntryKey = errors.New("acl: invalid entry key")

// EntryKey identifies one ACL entry.
type EntryKey struct {
	Name     string
	Type     NameType
	Negative bool
}

// UserKey returns a positive entry key for a user.
func UserKey(user string) EntryKey { return EntryKey{Name: user, Type: NameUser} }

// GroupKey returns a positive entry key for a group.
func GroupKey(group string) EntryKey { return EntryKey{Name: group, Type: NameGroup} }

// AnyoneKey returns the positive "anyone" entry key.
func AnyoneKey() EntryKey { return EntryKey{Name: SpecialAnyone, Type: NameSpecial} }

// Negate returns the key with its polarity flipped.
func (k EntryKey) Negate() EntryKey {
	k.Negative = !k.Negative
	return k
}

// String serializes the key: "-" marks negative entries, "$" marks groups.
func (k EntryKey) String() string {
	var b strings.Builder
	if k.Negative {
		b.WriteString(negativePrefix)
	}
	if k.Type == NameGroup {
		b.WriteString(groupPrefix)
	}
	b.WriteString(k.Name)
	return b.String()
}

// ParseEntryKey parses the form produced by EntryKey.String.
func ParseEntryKey(s string) (EntryKey, error) {
	var k EntryKey
	if rest, ok := strings.CutPrefix(s, negativePrefix); ok {
		k.Negative = true
		s = rest
	}
	switch {
	case strings.HasPrefix(s, groupPrefix):
		k.Type = NameGroup
		s = s[len(groupPrefix):]
	case s == SpecialOwner || s == SpecialAnyone || s == SpecialAuthenticated:
		k.Type = NameSpecial
	default:
		k.Type = NameUser
	}
	if s == "" {
		return EntryKey{}, fmt.Errorf("%w: empty name", ErrInvalidEntryKey)
	}
	k.Name = s
	return k, nil
}

// MarshalText implements encoding.TextMarshaler so keys can be JSON map keys.
func (k EntryKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EntryKey) UnmarshalText(b []byte) error {
	parsed, err := ParseEntryKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ACL maps entry keys to rights. A nil ACL is empty.
type ACL map[EntryKey]Rights

// Clone returns a copy.
func (a ACL) Clone() ACL {
	if a == nil {
		return ACL{}
	}
	return maps.Clone(a)
}

// IsEmpty reports whether the ACL has no entries.
func (a ACL) IsEmpty() bool { return len(a) == 0 }

// Get returns the rights stored for key.
func (a ACL) Get(key EntryKey) Rights { return a[key] }

// Keys returns the entry keys sorted by their serialized form.
func (a ACL) Keys() []EntryKey {
	keys := slices.Collect(maps.Keys(a))
	slices.SortFunc(keys, func(x, y EntryKey) int {
		return strings.Compare(x.String(), y.String())
	})
	return keys
}

// Union merges entries of o into a copy of a.
func (a ACL) Union(o ACL) ACL {
	out := a.Clone()
	for k, r := range o {
		out[k] = out[k].Union(r)
	}
	return out
}

// Apply returns a copy of a with cmd applied. Entries left without rights
// are removed.
func (a ACL) Apply(cmd Command) ACL {
	out := a.Clone()
	current := out[cmd.Key]
	var next Rights
	switch cmd.Mode {
	case ModeAdd:
		next = current.Union(cmd.Rights)
	case ModeRemove:
		next = current.Except(cmd.Rights)
	case ModeReplace:
		next = cmd.Rights
	}
	if next.IsEmpty() {
		delete(out, cmd.Key)
	} else {
		out[cmd.Key] = next
	}
	return out
}

// String renders the ACL as "key=rights" pairs in key order.
func (a ACL) String() string {
	parts := make([]string, 0, len(a))
	for _, k := range a.Keys() {
		parts = append(parts, k.String()+"="+a[k].String())
	}
	return strings.Join(parts, " ")
}

// EditMode selects how a Command combines with existing rights.
type EditMode uint8

const (
	ModeAdd EditMode = iota
	ModeRemove
	ModeReplace
)

func (m EditMode) String() string {
	switch m {
	case ModeAdd:
		return "add"
	case ModeRemove:
		return "remove"
	case ModeReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Command edits one ACL entry.
type Command struct {
	Key    EntryKey
	Mode   EditMode
	Rights Rights
}

// Grant returns a command adding rights to key.
func Grant(key EntryKey, rights Rights) Command {
	return Command{Key: key, Mode: ModeAdd, Rights: rights}
}

// Revoke returns a command removing rights from key.
func Revoke(key EntryKey, rights Rights) Command {
	return Command{Key: key, Mode: ModeRemove, Rights: rights}
}

// Replace returns a command setting the rights of key.
func Replace(key EntryKey, rights Rights) Command {
	return Command{Key: key, Mode: ModeReplace, Rights: rights}
}
