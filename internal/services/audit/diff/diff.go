package diff

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ChangeKind classifies one field change.
type ChangeKind string

const (
	Added    ChangeKind = "added"
	Removed  ChangeKind = "removed"
	Modified ChangeKind = "modified"
)

// RootPath names the whole snapshot when it is not an object.
const RootPath = "$"

// FieldDiff is a single field-level change. From is absent for added fields
// and To is absent for removed ones.
type FieldDiff struct {
	Field string          `json:"field"`
	From  json.RawMessage `json:"from,omitempty"`
	To    json.RawMessage `json:"to,omitempty"`
	Kind  ChangeKind      `json:"kind"`
}

// Diff lists the changes from previous to current. Object keys are visited
// in previous's order followed by keys only present in current. Nested
// objects are reported with dotted paths and arrays element-wise with [i]
// paths. A value whose kind changed is reported once at its path. A nil
// snapshot stands for an entity that does not exist.
func Diff(previous, current *Node) []FieldDiff {
	var out []FieldDiff
	switch {
	case previous == nil && current == nil:
		return nil
	case previous == nil && current.Kind == KindObject:
		previous = Object()
	case current == nil && previous.Kind == KindObject:
		current = Object()
	case previous == nil:
		return []FieldDiff{{Field: RootPath, To: raw(current), Kind: Added}}
	case current == nil:
		return []FieldDiff{{Field: RootPath, From: raw(previous), Kind: Removed}}
	}
	walk("", previous, current, &out)
	return out
}

// JSON parses two JSON documents and diffs them.
func JSON(previous, current []byte) ([]FieldDiff, error) {
	prev, err := parseOptional(previous)
	if err != nil {
		return nil, err
	}
	curr, err := parseOptional(current)
	if err != nil {
		return nil, err
	}
	return Diff(prev, curr), nil
}

func parseOptional(raw []byte) (*Node, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return Parse(raw)
}

func walk(path string, a, b *Node, out *[]FieldDiff) {
	switch {
	case a.Kind == KindObject && b.Kind == KindObject:
		for _, key := range a.Keys {
			av := a.Fields[key]
			if bv, ok := b.Fields[key]; ok {
				walk(field(path, key), av, bv, out)
				continue
			}
			*out = append(*out, FieldDiff{Field: field(path, key), From: raw(av), Kind: Removed})
		}
		for _, key := range b.Keys {
			if _, ok := a.Fields[key]; ok {
				continue
			}
			*out = append(*out, FieldDiff{Field: field(path, key), To: raw(b.Fields[key]), Kind: Added})
		}
	case a.Kind == KindArray && b.Kind == KindArray:
		n := max(len(a.Items), len(b.Items))
		for i := 0; i < n; i++ {
			p := index(path, i)
			switch {
			case i < len(a.Items) && i < len(b.Items):
				walk(p, a.Items[i], b.Items[i], out)
			case i < len(a.Items):
				*out = append(*out, FieldDiff{Field: p, From: raw(a.Items[i]), Kind: Removed})
			default:
				*out = append(*out, FieldDiff{Field: p, To: raw(b.Items[i]), Kind: Added})
			}
		}
	case !Equal(a, b):
		if path == "" {
			path = RootPath
		}
		*out = append(*out, FieldDiff{Field: path, From: raw(a), To: raw(b), Kind: Modified})
	}
}

// field appends key to path. Keys that would read as path syntax are
// written in bracket form, so {"a.b":1} yields $["a.b"] and never a.b.
func field(path, key string) string {
	if needsQuoting(key) {
		if path == "" {
			path = RootPath
		}
		return path + "[" + strconv.Quote(key) + "]"
	}
	if path == "" {
		return key
	}
	return path + "." + key
}

func needsQuoting(key string) bool {
	return key == "" || key == RootPath || strings.ContainsAny(key, `.[]"`)
}

func index(path string, i int) string {
	if path == "" {
		path = RootPath
	}
	return path + "[" + strconv.Itoa(i) + "]"
}

func raw(n *Node) json.RawMessage {
	out, err := n.MarshalJSON()
	if err != nil {
		return nil
	}
	return out
}
