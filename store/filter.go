package store

import (
	"regexp"
	"slices"
	"strings"
	"time"
)

// Mailbox name wildcards (RFC 3501 LIST).
const (
	WildcardAny   = '*' // matches any characters, including the delimiter
	WildcardLocal = '%' // matches any characters except the delimiter
)

// NameExpression selects mailbox names.
type NameExpression interface {
	// Matches reports whether name is selected.
	Matches(name string) bool
	// Prefix is a literal prefix shared by every selected name, for index scans.
	Prefix() string
	// IsWild reports whether more than one name can match.
	IsWild() bool
}

// ExactName selects exactly one name.
type ExactName string

func (e ExactName) Matches(name string) bool { return name == string(e) }
func (e ExactName) Prefix() string           { return string(e) }
func (e ExactName) IsWild() bool             { return false }

// PrefixedWildcard selects every name starting with the prefix.
type PrefixedWildcard string

func (e PrefixedWildcard) Matches(name string) bool { return strings.HasPrefix(name, string(e)) }
func (e PrefixedWildcard) Prefix() string           { return string(e) }
func (e PrefixedWildcard) IsWild() bool             { return true }

// Pattern is an IMAP LIST pattern appended to a base name.
type Pattern struct {
	base    string
	pattern string
	re      *regexp.Regexp
}

// NewPattern compiles an IMAP pattern relative to base. '*' matches across
// hierarchy levels, '%' stays within one.
func NewPattern(base, pattern string, delim rune) *Pattern {
	var b strings.Builder
	b.WriteString("^")
	b.WriteString(regexp.QuoteMeta(base))
	var literal strings.Builder
	flush := func() {
		b.WriteString(regexp.QuoteMeta(literal.String()))
		literal.Reset()
	}
	for _, c := range pattern {
		switch c {
		case WildcardAny:
			flush()
			b.WriteString(".*")
		case WildcardLocal:
			flush()
			b.WriteString("[^" + regexp.QuoteMeta(string(delim)) + "]*")
		default:
			literal.WriteRune(c)
		}
	}
	flush()
	b.WriteString("$")
	return &Pattern{base: base, pattern: pattern, re: regexp.MustCompile("(?s)" + b.String())}
}

func (p *Pattern) Matches(name string) bool { return p.re.MatchString(name) }

func (p *Pattern) Prefix() string {
	i := strings.IndexAny(p.pattern, string([]rune{WildcardAny, WildcardLocal}))
	if i < 0 {
		return p.base + p.pattern
	}
	return p.base + p.pattern[:i]
}

func (p *Pattern) IsWild() bool {
	return strings.ContainsAny(p.pattern, string([]rune{WildcardAny, WildcardLocal}))
}

// MailboxQuery selects mailboxes of one user by name.
type MailboxQuery struct {
	Namespace  string
	User       string
	Expression NameExpression
}

// PrivateQuery selects mailboxes in the private namespace of user.
func PrivateQuery(user string, expr NameExpression) MailboxQuery {
	return MailboxQuery{Namespace: NamespacePrivate, User: user, Expression: expr}
}

// Matches reports whether the path is selected.
func (q MailboxQuery) Matches(p MailboxPath) bool {
	if p.Namespace != q.Namespace || p.User != q.User {
		return false
	}
	return q.Expression == nil || q.Expression.Matches(p.Name)
}

// MessageCriteria filters association rows. Zero fields do not filter.
type MessageCriteria struct {
	HasFlags Flags
	NotFlags Flags
	Since    time.Time
	Before   time.Time
	MinSize  int64
	MaxSize  int64
	ThreadID ThreadID
}

// Matches reports whether m satisfies every criterion.
func (c MessageCriteria) Matches(m MessageMetadata) bool {
	if !m.Flags.System.Has(c.HasFlags.System) {
		return false
	}
	if m.Flags.System&c.NotFlags.System != 0 {
		return false
	}
	for _, kw := range c.HasFlags.User {
		if !slices.Contains(m.Flags.User, kw) {
			return false
		}
	}
	for _, kw := range c.NotFlags.User {
		if slices.Contains(m.Flags.User, kw) {
			return false
		}
	}
	if !c.Since.IsZero() && m.InternalDate.Before(c.Since) {
		return false
	}
	if !c.Before.IsZero() && !m.InternalDate.Before(c.Before) {
		return false
	}
	if c.MinSize > 0 && m.Size < c.MinSize {
		return false
	}
	if c.MaxSize > 0 && m.Size > c.MaxSize {
		return false
	}
	if c.ThreadID != "" && m.ThreadID != c.ThreadID {
		return false
	}
	return true
}

// MessageQuery is a cross-mailbox message search.
type MessageQuery struct {
	// InMailboxes restricts the search. Empty means every accessible mailbox.
	InMailboxes []MailboxID
	// NotInMailboxes excludes mailboxes.
	NotInMailboxes []MailboxID
	// IncludeDelegated adds mailboxes shared with the user.
	IncludeDelegated bool
	Criteria         MessageCriteria
}
