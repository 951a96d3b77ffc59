package types

import "time"

// Entity carries the creation and last-mutation timestamps of a record.
// Timestamps are always UTC and supplied by the caller's clock, so that
// merges can compare them deterministically across devices.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity creates an Entity stamped at now.
func NewEntity(now time.Time) Entity {
	now = now.UTC()
	return Entity{
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch sets UpdatedAt to now, filling CreatedAt on first use.
func (e *Entity) Touch(now time.Time) {
	now = now.UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
}

// NewerThan reports whether e was mutated strictly after other.
func (e Entity) NewerThan(other Entity) bool {
	return e.UpdatedAt.After(other.UpdatedAt)
}
