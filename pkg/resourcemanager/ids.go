// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import "fmt"

// Kind classifies a tablet for routing and pool-sizing purposes. Every
// TabletId belongs to exactly one kind.
type Kind int

const (
	// KindUser is an ordinary tablet of a user table.
	KindUser Kind = iota
	// KindMetadata is a tablet of the system metadata (catalog) table.
	KindMetadata
	// KindRoot is the single, unpartitionable root tablet.
	KindRoot
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindMetadata:
		return "metadata"
	default:
		return "user"
	}
}

// TabletId is an opaque, comparable key naming one tablet: a table plus the
// end-row of the shard's key range. The zero value is not a valid tablet.
type TabletId struct {
	Table  string
	EndRow string
	kind   Kind
}

// NewTabletId builds a TabletId of the given kind. table and endRow are
// opaque to the resource manager; only equality and Kind matter here.
func NewTabletId(kind Kind, table, endRow string) TabletId {
	return TabletId{Table: table, EndRow: endRow, kind: kind}
}

// Kind returns the tablet's class: root, metadata, or user.
func (t TabletId) Kind() Kind { return t.kind }

func (t TabletId) String() string {
	return fmt.Sprintf("%s[%s:%s]", t.kind, t.Table, t.EndRow)
}
