package models

import (
	"fmt"
	"strings"
)

// Entity is a CRM record (lead, deal, inventory unit, activity...) addressed
// by id with dot-path field access.
type Entity map[string]interface{}

// ID returns the entity id as a string, or "" when the entity has none.
func (e Entity) ID() string {
	v, ok := e["id"]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Get resolves a dot path ("owner.name"). Any missing segment yields ok=false.
// A present key holding nil yields (nil, true).
func (e Entity) Get(path string) (interface{}, bool) {
	if e == nil || path == "" {
		return nil, false
	}
	var cur interface{} = map[string]interface{}(e)
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]interface{}:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case Entity:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

// Clone returns a shallow copy.
func (e Entity) Clone() Entity {
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Merge returns a shallow copy of e with fields laid over it.
func (e Entity) Merge(fields map[string]interface{}) Entity {
	out := e.Clone()
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// IsEmptyValue reports nil, "", empty slices and empty maps as empty.
func IsEmptyValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	case Entity:
		return len(t) == 0
	}
	return false
}
