package store

import "slices"

// ThreadRow is a row of the thread table, keyed by (user, hash).
type ThreadRow struct {
	Hash        int32     `json:"hash" bson:"hash"`
	SubjectHash *int32    `json:"subject_hash,omitempty" bson:"subject_hash,omitempty"`
	MessageID   MessageID `json:"message_id" bson:"message_id"`
	ThreadID    ThreadID  `json:"thread_id" bson:"thread_id"`
}

// SameSubject reports whether the row carries the given subject hash. An
// absent hash only matches rows without one.
func (r ThreadRow) SameSubject(h *int32) bool {
	if r.SubjectHash == nil || h == nil {
		return r.SubjectHash == nil && h == nil
	}
	return *r.SubjectHash == *h
}

// ThreadLookupEntry is the reverse index from a message to the thread rows
// written for it.
type ThreadLookupEntry struct {
	ThreadID  ThreadID  `json:"thread_id" bson:"thread_id"`
	MessageID MessageID `json:"message_id" bson:"message_id"`
	User      string    `json:"user" bson:"user"`
	Hashes    []int32   `json:"hashes" bson:"hashes"`
}

// Clone returns a detached copy.
func (e ThreadLookupEntry) Clone() ThreadLookupEntry {
	e.Hashes = slices.Clone(e.Hashes)
	return e
}
