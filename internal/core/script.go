package core

import (
	"fmt"
	"strings"

	"localci/internal/document"
)

const maxScriptDepth = 10

// FlattenScript turns a scalar or an arbitrarily nested sequence of scalars
// into one ordered command list. Blank entries are dropped.
func FlattenScript(v *document.Value) ([]string, error) {
	var out []string
	if err := flattenInto(v, 0, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(v *document.Value, depth int, out *[]string) error {
	if depth > maxScriptDepth {
		return fmt.Errorf("script nesting is deeper than %d levels", maxScriptDepth)
	}
	switch v.Kind {
	case document.Null:
		return nil
	case document.Scalar:
		if strings.TrimSpace(v.Str) != "" {
			*out = append(*out, v.Str)
		}
		return nil
	case document.Sequence:
		for _, it := range v.Items {
			if err := flattenInto(it, depth+1, out); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("script entries must be strings, got %s", v.Kind)
}

// flattenSequence lifts items of nested sequences one level at a time until
// the sequence only holds non-sequence values.
func flattenSequence(v *document.Value) *document.Value {
	if !v.IsSequence() {
		return v
	}
	out := document.NewSequence()
	for _, it := range v.Items {
		if it.IsSequence() {
			out.Items = append(out.Items, flattenSequence(it).Items...)
			continue
		}
		out.Items = append(out.Items, it)
	}
	return out
}
