package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// BenchRole is the reserved overflow role. Every raid has a bench slot list
// even when its capacity is zero.
const BenchRole = "bench"

// RoleSlot is a single role's capacity accounting within a raid.
type RoleSlot struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	Filled   int    `json:"filled"`
}

// RoleSet is the ordered role list of a raid. Order is the display order and
// is preserved through persistence (stored as a JSONB array, not an object).
type RoleSet []RoleSlot

// Get returns the slot for the named role, or nil if the raid has no such role.
func (rs RoleSet) Get(name string) *RoleSlot {
	for i := range rs {
		if rs[i].Name == name {
			return &rs[i]
		}
	}
	return nil
}

// Has reports whether the raid defines the named role.
func (rs RoleSet) Has(name string) bool { return rs.Get(name) != nil }

// Free returns the number of open slots for the named role.
func (rs RoleSet) Free(name string) int {
	s := rs.Get(name)
	if s == nil {
		return 0
	}
	if n := s.Capacity - s.Filled; n > 0 {
		return n
	}
	return 0
}

// FreePrimary returns the number of open slots across all non-bench roles.
func (rs RoleSet) FreePrimary() int {
	n := 0
	for _, s := range rs {
		if s.Name == BenchRole {
			continue
		}
		if free := s.Capacity - s.Filled; free > 0 {
			n += free
		}
	}
	return n
}

// PrimaryCapacity returns the total capacity across all non-bench roles.
func (rs RoleSet) PrimaryCapacity() int {
	n := 0
	for _, s := range rs {
		if s.Name != BenchRole {
			n += s.Capacity
		}
	}
	return n
}

// Clone returns a deep copy, so callers can mutate counts without aliasing
// the loaded entity.
func (rs RoleSet) Clone() RoleSet {
	out := make(RoleSet, len(rs))
	copy(out, rs)
	return out
}

// Reset returns a copy with all filled counts zeroed. Used by follow-up
// raid creation.
func (rs RoleSet) Reset() RoleSet {
	out := rs.Clone()
	for i := range out {
		out[i].Filled = 0
	}
	return out
}

// Value implements driver.Valuer, serializing the set as JSONB.
func (rs RoleSet) Value() (driver.Value, error) {
	if rs == nil {
		rs = RoleSet{}
	}
	return json.Marshal(rs)
}

// Scan implements sql.Scanner.
func (rs *RoleSet) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, rs)
	case string:
		return json.Unmarshal([]byte(v), rs)
	case nil:
		*rs = RoleSet{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into RoleSet", src)
	}
}

// StringList is a JSONB-persisted string slice, used for the fired-milestone
// set and the creator-role allowlist snapshot.
type StringList []string

// Contains reports whether the list holds s.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// Clone returns a copy of the list.
func (l StringList) Clone() StringList {
	out := make(StringList, len(l))
	copy(out, l)
	return out
}

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	case nil:
		*l = StringList{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}
