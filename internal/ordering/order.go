// Package ordering computes the replay order of queued operations so that
// every operation runs after the operations it depends on.
package ordering

import (
	"sort"

	"fieldsync/internal/models"
)

// DefaultKindRank applies to operation kinds nobody declared.
const DefaultKindRank = 3

// Table holds the precedence ranks used by Sort. Lower ranks replay first.
type Table struct {
	// Entities lists entity types in foreign-key order.
	Entities []string
	// Kinds ranks operation kinds for every entity type.
	Kinds map[string]int
	// EntityKinds overrides Kinds for one entity type.
	EntityKinds map[string]map[string]int
	// Subtypes ranks sub-types within an entity type.
	Subtypes map[string]map[string]int
}

// DefaultTable returns the built-in precedence:
// parcel < actor < store < convention < calendar < productTransfer < transaction.
func DefaultTable() *Table {
	return &Table{
		Entities: []string{
			models.EntityParcel,
			models.EntityActor,
			models.EntityStore,
			models.EntityConvention,
			models.EntityCalendar,
			models.EntityProductTransfer,
			models.EntityTransaction,
		},
		Kinds: map[string]int{
			models.KindCreate:     1,
			models.KindCreateBulk: 1,
			models.KindUpdate:     3,
			models.KindDelete:     4,
		},
		EntityKinds: map[string]map[string]int{},
		Subtypes:    map[string]map[string]int{},
	}
}

// RegisterKinds merges kind ranks declared by one entity module.
func (t *Table) RegisterKinds(entityType string, ranks map[string]int) {
	if len(ranks) == 0 {
		return
	}
	if t.EntityKinds == nil {
		t.EntityKinds = map[string]map[string]int{}
	}
	dst, ok := t.EntityKinds[entityType]
	if !ok {
		dst = make(map[string]int, len(ranks))
		t.EntityKinds[entityType] = dst
	}
	for kind, rank := range ranks {
		dst[kind] = rank
	}
}

// RegisterSubtypes merges sub-type ranks declared by one entity module.
func (t *Table) RegisterSubtypes(entityType string, ranks map[string]int) {
	if len(ranks) == 0 {
		return
	}
	if t.Subtypes == nil {
		t.Subtypes = map[string]map[string]int{}
	}
	dst, ok := t.Subtypes[entityType]
	if !ok {
		dst = make(map[string]int, len(ranks))
		t.Subtypes[entityType] = dst
	}
	for subtype, rank := range ranks {
		dst[subtype] = rank
	}
}

// EntityRank returns the position of entityType, or len(Entities) when it is
// unknown so that it sorts last.
func (t *Table) EntityRank(entityType string) int {
	for i, e := range t.Entities {
		if e == entityType {
			return i
		}
	}
	return len(t.Entities)
}

// SubtypeRank returns the sub-type rank. Entities without a sub-type table
// all share rank 0; undeclared sub-types sort after declared ones.
func (t *Table) SubtypeRank(entityType, subtype string) int {
	ranks, ok := t.Subtypes[entityType]
	if !ok || len(ranks) == 0 {
		return 0
	}
	if r, ok := ranks[subtype]; ok {
		return r
	}
	highest := 0
	for _, r := range ranks {
		if r > highest {
			highest = r
		}
	}
	return highest + 1
}

// KindRank returns the rank of kind for entityType.
func (t *Table) KindRank(entityType, kind string) int {
	if ranks, ok := t.EntityKinds[entityType]; ok {
		if r, ok := ranks[kind]; ok {
			return r
		}
	}
	if r, ok := t.Kinds[kind]; ok {
		return r
	}
	return DefaultKindRank
}

// Less reports whether a replays before b.
func (t *Table) Less(a, b *models.QueuedOperation) bool {
	if ra, rb := t.EntityRank(a.EntityType), t.EntityRank(b.EntityType); ra != rb {
		return ra < rb
	}
	if a.EntityType != b.EntityType {
		// Two unknown entity types: keep them grouped deterministically.
		return a.EntityType < b.EntityType
	}
	if ra, rb := t.SubtypeRank(a.EntityType, a.Subtype), t.SubtypeRank(b.EntityType, b.Subtype); ra != rb {
		return ra < rb
	}
	if ra, rb := t.KindRank(a.EntityType, a.Kind), t.KindRank(b.EntityType, b.Kind); ra != rb {
		return ra < rb
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID < b.ID
}

// Sort returns ops in replay order. The input slice is not modified.
func (t *Table) Sort(ops []models.QueuedOperation) []models.QueuedOperation {
	out := make([]models.QueuedOperation, len(ops))
	copy(out, ops)
	sort.SliceStable(out, func(i, j int) bool {
		return t.Less(&out[i], &out[j])
	})
	return out
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	c := &Table{
		Entities:    append([]string(nil), t.Entities...),
		Kinds:       make(map[string]int, len(t.Kinds)),
		EntityKinds: make(map[string]map[string]int, len(t.EntityKinds)),
		Subtypes:    make(map[string]map[string]int, len(t.Subtypes)),
	}
	for k, v := range t.Kinds {
		c.Kinds[k] = v
	}
	for e, ranks := range t.EntityKinds {
		c.RegisterKinds(e, ranks)
	}
	for e, ranks := range t.Subtypes {
		c.RegisterSubtypes(e, ranks)
	}
	return c
}
