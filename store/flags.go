package store

import (
	"slices"
	"strings"
)

// SystemFlag is a set of IMAP system flags.
type SystemFlag uint8

const (
	FlagAnswered SystemFlag = 1 << iota
	FlagDeleted
	FlagDraft
	FlagFlagged
	FlagRecent
	FlagSeen
)

var systemFlagNames = []struct {
	flag SystemFlag
	name string
}{
	{FlagAnswered, `\Answered`},
	{FlagDeleted, `\Deleted`},
	{FlagDraft, `\Draft`},
	{FlagFlagged, `\Flagged`},
	{FlagRecent, `\Recent`},
	{FlagSeen, `\Seen`},
}

// Has reports whether every flag of o is set.
func (f SystemFlag) Has(o SystemFlag) bool { return f&o == o }

// Names returns the IMAP names of the set flags.
func (f SystemFlag) Names() []string {
	var out []string
	for _, n := range systemFlagNames {
		if f.Has(n.flag) {
			out = append(out, n.name)
		}
	}
	return out
}

// Flags holds the system flags and user keywords of a message.
type Flags struct {
	System SystemFlag `json:"system" bson:"system" db:"system_flags"`
	User   []string   `json:"user,omitempty" bson:"user,omitempty"`
}

// NewFlags builds flags from IMAP flag names. Unknown backslash names are
// ignored; other names become user keywords.
func NewFlags(names ...string) Flags {
	var f Flags
	for _, name := range names {
		if sys, ok := systemFlag(name); ok {
			f.System |= sys
			continue
		}
		if !strings.HasPrefix(name, `\`) {
			f.User = append(f.User, name)
		}
	}
	f.User = normalizeKeywords(f.User)
	return f
}

func systemFlag(name string) (SystemFlag, bool) {
	for _, n := range systemFlagNames {
		if strings.EqualFold(n.name, name) {
			return n.flag, true
		}
	}
	return 0, false
}

func normalizeKeywords(kw []string) []string {
	if len(kw) == 0 {
		return nil
	}
	out := slices.Clone(kw)
	slices.Sort(out)
	return slices.Compact(out)
}

// Has reports whether the system flag is set.
func (f Flags) Has(sys SystemFlag) bool { return f.System.Has(sys) }

// Union returns the flags set in f or o.
func (f Flags) Union(o Flags) Flags {
	return Flags{System: f.System | o.System, User: normalizeKeywords(append(slices.Clone(f.User), o.User...))}
}

// Except returns the flags of f not set in o.
func (f Flags) Except(o Flags) Flags {
	out := Flags{System: f.System &^ o.System}
	for _, kw := range f.User {
		if !slices.Contains(o.User, kw) {
			out.User = append(out.User, kw)
		}
	}
	return out
}

// Equal reports whether both hold the same flags.
func (f Flags) Equal(o Flags) bool {
	return f.System == o.System && slices.Equal(normalizeKeywords(f.User), normalizeKeywords(o.User))
}

// Clone returns a detached copy.
func (f Flags) Clone() Flags {
	return Flags{System: f.System, User: slices.Clone(f.User)}
}

// Names returns every flag name, system flags first.
func (f Flags) Names() []string {
	return append(f.System.Names(), f.User...)
}
