package acl

// ChangeType classifies an entry change between two ACLs.
type ChangeType uint8

const (
	ChangeAdded ChangeType = iota
	ChangeRemoved
	ChangeUpdated
)

// Change describes one entry that differs between two ACLs.
type Change struct {
	Key  EntryKey
	Type ChangeType
	Old  Rights
	New  Rights
}

// Diff is the difference between an old and a new ACL.
type Diff struct {
	Old ACL `json:"old"`
	New ACL `json:"new"`
}

// ComputeDiff returns the diff from before to after.
func ComputeDiff(before, after ACL) Diff {
	return Diff{Old: before.Clone(), New: after.Clone()}
}

// IsEmpty reports whether both sides are equal.
func (d Diff) IsEmpty() bool { return len(d.Changes()) == 0 }

// Changes lists the entries that differ, ordered by key.
func (d Diff) Changes() []Change {
	var out []Change
	for _, k := range d.Old.Union(d.New).Keys() {
		o, inOld := d.Old[k]
		n, inNew := d.New[k]
		switch {
		case inOld && !inNew:
			out = append(out, Change{Key: k, Type: ChangeRemoved, Old: o})
		case !inOld && inNew:
			out = append(out, Change{Key: k, Type: ChangeAdded, New: n})
		case o != n:
			out = append(out, Change{Key: k, Type: ChangeUpdated, Old: o, New: n})
		}
	}
	return out
}
