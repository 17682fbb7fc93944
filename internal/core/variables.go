package core

import (
	"os"
	"sort"
	"strings"
)

const maxExpandDepth = 10

// Expand replaces $VAR and ${VAR} in s. $$ yields a literal $. Unknown
// variables expand to the empty string.
func Expand(s string, lookup func(string) (string, bool)) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, func(name string) string {
		if name == "$" {
			return "$"
		}
		v, _ := lookup(name)
		return v
	})
}

// ExpandAll expands values that refer to other entries of vars. Expansion is
// repeated so chains resolve regardless of declaration order.
func ExpandAll(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	for i := 0; i < maxExpandDepth; i++ {
		changed := false
		for _, k := range sortedKeys(out) {
			v := out[k]
			if !strings.Contains(v, "$") {
				continue
			}
			nv := os.Expand(v, func(name string) string {
				if name == "$" {
					return "$$"
				}
				if name == k {
					return ""
				}
				if val, ok := out[name]; ok {
					return val
				}
				return "$" + name
			})
			if nv != v {
				out[k] = nv
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return out
}

// Layer merges variable maps, later maps winning.
func Layer(layers ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}

// Environ renders vars as sorted KEY=VALUE pairs with $$ unescaped.
func Environ(vars map[string]string) []string {
	out := make([]string, 0, len(vars))
	for _, k := range sortedKeys(vars) {
		out = append(out, k+"="+strings.ReplaceAll(vars[k], "$$", "$"))
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup adapts a map for expression evaluation.
func Lookup(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}
