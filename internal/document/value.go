// Package document holds the untyped pipeline tree that include, extends and
// !reference resolution operate on before jobs are decoded into typed models.
package document

import (
	"strconv"
	"strings"
)

// Kind tags a Value.
type Kind int

const (
	Null Kind = iota
	Scalar
	Sequence
	Mapping
	// Reference is an unresolved !reference; Items holds the path.
	Reference
)

func (k Kind) String() string {
	switch k {
	case Scalar:
		return "scalar"
	case Sequence:
		return "sequence"
	case Mapping:
		return "mapping"
	case Reference:
		return "reference"
	default:
		return "null"
	}
}

// Value is one node of the pipeline tree.
type Value struct {
	Kind  Kind
	Str   string
	Tag   string // yaml short tag of a scalar, e.g. !!str, !!int, !!bool
	Items []*Value
	Map   *Map
}

// Entry is one key of a Map. Comment is the head comment written above the key.
type Entry struct {
	Key     string
	Value   *Value
	Comment string
}

// Map is an insertion ordered mapping.
type Map struct {
	entries []*Entry
	index   map[string]int
}

func NewMap() *Map {
	return &Map{index: map[string]int{}}
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

func (m *Map) Get(key string) (*Value, bool) {
	if m == nil {
		return nil, false
	}
	i, ok := m.index[key]
	if !ok {
		return nil, false
	}
	return m.entries[i].Value, true
}

// Entry returns the full entry for key, comment included.
func (m *Map) Entry(key string) (*Entry, bool) {
	if m == nil {
		return nil, false
	}
	i, ok := m.index[key]
	if !ok {
		return nil, false
	}
	return m.entries[i], true
}

// Set replaces the value of an existing key in place or appends a new key.
func (m *Map) Set(key string, v *Value) {
	if i, ok := m.index[key]; ok {
		m.entries[i].Value = v
		return
	}
	m.index[key] = len(m.entries)
	m.entries = append(m.entries, &Entry{Key: key, Value: v})
}

func (m *Map) setEntry(e *Entry) {
	if i, ok := m.index[e.Key]; ok {
		m.entries[i] = e
		return
	}
	m.index[e.Key] = len(m.entries)
	m.entries = append(m.entries, e)
}

func (m *Map) Delete(key string) {
	i, ok := m.index[key]
	if !ok {
		return
	}
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	delete(m.index, key)
	for j := i; j < len(m.entries); j++ {
		m.index[m.entries[j].Key] = j
	}
}

func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	keys := make([]string, len(m.entries))
	for i, e := range m.entries {
		keys[i] = e.Key
	}
	return keys
}

func (m *Map) Entries() []*Entry {
	if m == nil {
		return nil
	}
	return m.entries
}

// Constructors.

func NewNull() *Value { return &Value{Kind: Null} }

func NewString(s string) *Value { return &Value{Kind: Scalar, Str: s, Tag: "!!str"} }

func NewBool(b bool) *Value { return &Value{Kind: Scalar, Str: strconv.FormatBool(b), Tag: "!!bool"} }

func NewInt(n int) *Value { return &Value{Kind: Scalar, Str: strconv.Itoa(n), Tag: "!!int"} }

func NewSequence(items ...*Value) *Value { return &Value{Kind: Sequence, Items: items} }

func NewMapping(m *Map) *Value {
	if m == nil {
		m = NewMap()
	}
	return &Value{Kind: Mapping, Map: m}
}

func NewReference(path ...string) *Value {
	items := make([]*Value, len(path))
	for i, p := range path {
		items[i] = NewString(p)
	}
	return &Value{Kind: Reference, Items: items}
}

func (v *Value) IsNull() bool { return v == nil || v.Kind == Null }

func (v *Value) IsMapping() bool { return v != nil && v.Kind == Mapping }

func (v *Value) IsSequence() bool { return v != nil && v.Kind == Sequence }

func (v *Value) IsScalar() bool { return v != nil && v.Kind == Scalar }

// Get looks up key on a mapping value.
func (v *Value) Get(key string) (*Value, bool) {
	if !v.IsMapping() {
		return nil, false
	}
	return v.Map.Get(key)
}

// Path returns the string steps of a reference.
func (v *Value) Path() []string {
	out := make([]string, 0, len(v.Items))
	for _, it := range v.Items {
		out = append(out, it.Str)
	}
	return out
}

// String renders scalars; other kinds render empty.
func (v *Value) String() string {
	if v.IsScalar() {
		return v.Str
	}
	return ""
}

// Strings returns a scalar as a one element slice, or the scalar items of a sequence.
func (v *Value) Strings() []string {
	switch {
	case v.IsScalar():
		return []string{v.Str}
	case v.IsSequence():
		out := make([]string, 0, len(v.Items))
		for _, it := range v.Items {
			if it.IsScalar() {
				out = append(out, it.Str)
			}
		}
		return out
	}
	return nil
}

// Bool parses a yaml boolean scalar.
func (v *Value) Bool() (bool, bool) {
	if !v.IsScalar() {
		return false, false
	}
	switch strings.ToLower(v.Str) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

// Clone deep copies v.
func Clone(v *Value) *Value {
	if v == nil {
		return nil
	}
	out := &Value{Kind: v.Kind, Str: v.Str, Tag: v.Tag}
	if v.Items != nil {
		out.Items = make([]*Value, len(v.Items))
		for i, it := range v.Items {
			out.Items[i] = Clone(it)
		}
	}
	if v.Map != nil {
		out.Map = NewMap()
		for _, e := range v.Map.entries {
			out.Map.setEntry(&Entry{Key: e.Key, Value: Clone(e.Value), Comment: e.Comment})
		}
	}
	return out
}

// Lookup follows path through nested mappings.
func Lookup(v *Value, path []string) (*Value, bool) {
	cur := v
	for _, step := range path {
		next, ok := cur.Get(step)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}
