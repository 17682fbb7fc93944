package document

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ReferenceTag is the custom tag pointing at another job's property.
const ReferenceTag = "!reference"

const mergeTag = "!!merge"

// Decode parses a yaml document. An empty document decodes to an empty mapping.
func Decode(data []byte) (*Value, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if root.Kind == 0 {
		return NewMapping(nil), nil
	}
	return FromNode(&root)
}

// FromNode converts a yaml.v3 node tree. Aliases are expanded and << merge
// keys are folded into their mapping.
func FromNode(n *yaml.Node) (*Value, error) {
	return fromNode(n, "")
}

func fromNode(n *yaml.Node, carried string) (*Value, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return NewMapping(nil), nil
		}
		return fromNode(n.Content[0], n.HeadComment)
	case yaml.AliasNode:
		return fromNode(n.Alias, "")
	case yaml.ScalarNode:
		tag := n.ShortTag()
		if tag == "!!null" {
			return NewNull(), nil
		}
		return &Value{Kind: Scalar, Str: n.Value, Tag: tag}, nil
	case yaml.SequenceNode:
		items := make([]*Value, 0, len(n.Content))
		for _, c := range n.Content {
			it, err := fromNode(c, "")
			if err != nil {
				return nil, err
			}
			items = append(items, it)
		}
		if n.Tag == ReferenceTag {
			for _, it := range items {
				if !it.IsScalar() {
					return nil, fmt.Errorf("line %d: %s entries must be scalars", n.Line, ReferenceTag)
				}
			}
			return &Value{Kind: Reference, Items: items}, nil
		}
		return &Value{Kind: Sequence, Items: items}, nil
	case yaml.MappingNode:
		return mappingFromNode(n, carried)
	}
	return nil, fmt.Errorf("line %d: unsupported yaml node kind %d", n.Line, n.Kind)
}

func mappingFromNode(n *yaml.Node, carried string) (*Value, error) {
	explicit := map[string]bool{}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if k := n.Content[i]; k.ShortTag() != mergeTag {
			explicit[k.Value] = true
		}
	}
	m := NewMap()
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		if k.ShortTag() == mergeTag {
			if err := foldMerge(m, v, explicit); err != nil {
				return nil, err
			}
			continue
		}
		val, err := fromNode(v, "")
		if err != nil {
			return nil, err
		}
		comment := k.HeadComment
		if i == 0 && comment == "" {
			comment = firstNonEmpty(n.HeadComment, carried)
		}
		m.setEntry(&Entry{Key: k.Value, Value: val, Comment: comment})
	}
	return NewMapping(m), nil
}

func foldMerge(m *Map, src *yaml.Node, explicit map[string]bool) error {
	var sources []*yaml.Node
	if src.Kind == yaml.SequenceNode {
		sources = src.Content
	} else {
		sources = []*yaml.Node{src}
	}
	for _, s := range sources {
		val, err := fromNode(s, "")
		if err != nil {
			return err
		}
		if !val.IsMapping() {
			return fmt.Errorf("line %d: merge key value must be a mapping", s.Line)
		}
		for _, e := range val.Map.Entries() {
			if explicit[e.Key] {
				continue
			}
			if _, ok := m.Get(e.Key); ok {
				continue
			}
			m.setEntry(e)
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ToNode converts back into a yaml.v3 node tree.
func ToNode(v *Value) *yaml.Node {
	if v == nil {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	}
	switch v.Kind {
	case Scalar:
		tag := v.Tag
		if tag == "" {
			tag = "!!str"
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: v.Str}
	case Sequence, Reference:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		if v.Kind == Reference {
			n.Tag = ReferenceTag
			n.Style = yaml.FlowStyle
		}
		for _, it := range v.Items {
			n.Content = append(n.Content, ToNode(it))
		}
		return n
	case Mapping:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, e := range v.Map.Entries() {
			key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: e.Key, HeadComment: e.Comment}
			n.Content = append(n.Content, key, ToNode(e.Value))
		}
		return n
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
}

// DecodeInto decodes v into a Go value using yaml struct tags.
func DecodeInto(v *Value, out any) error {
	return ToNode(v).Decode(out)
}

// Encode renders v as a yaml document.
func Encode(v *Value) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(ToNode(v)); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
