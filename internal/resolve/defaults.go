package resolve

import (
	"localci/internal/document"
)

// Keys a job inherits from default: when it does not set them.
var defaultKeys = []string{
	"image", "services", "before_script", "after_script", "cache", "artifacts",
	"retry", "timeout", "interruptible", "tags", "hooks",
}

// Legacy global keywords that act like default: entries.
var globalKeys = []string{"image", "services", "before_script", "after_script", "cache"}

func applyDefaults(doc *document.Value) *document.Value {
	defaults := document.NewMap()
	for _, k := range globalKeys {
		if v, ok := doc.Get(k); ok {
			defaults.Set(k, v)
		}
	}
	if def, ok := doc.Get("default"); ok && def.IsMapping() {
		for _, k := range defaultKeys {
			if v, ok := def.Get(k); ok {
				defaults.Set(k, v)
			}
		}
	}
	if defaults.Len() == 0 {
		return doc
	}

	for _, e := range doc.Map.Entries() {
		if !IsJob(e.Key, e.Value) {
			continue
		}
		allowed := inheritedDefaults(e.Value)
		for _, d := range defaults.Entries() {
			if !allowed(d.Key) {
				continue
			}
			if _, ok := e.Value.Get(d.Key); !ok {
				e.Value.Map.Set(d.Key, document.Clone(d.Value))
			}
		}
	}
	return doc
}

// inheritedDefaults reads inherit:default, which is a bool or a list of keys.
func inheritedDefaults(job *document.Value) func(string) bool {
	all := func(string) bool { return true }
	def, ok := document.Lookup(job, []string{"inherit", "default"})
	if !ok {
		return all
	}
	if b, ok := def.Bool(); ok {
		if b {
			return all
		}
		return func(string) bool { return false }
	}
	keep := map[string]bool{}
	for _, k := range def.Strings() {
		keep[k] = true
	}
	return func(k string) bool { return keep[k] }
}
