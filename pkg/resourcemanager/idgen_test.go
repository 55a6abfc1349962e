// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid"
)

// newSyntheticTabletId builds a TabletId with a unique, collision-free
// end-row, so concurrent subtests never accidentally exercise the same
// tablet identity.
func newSyntheticTabletId(kind Kind, table string) TabletId {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return NewTabletId(kind, table, id.String())
}
