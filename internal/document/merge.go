package document

// Merge returns a new value with override applied on top of base. Two
// mappings merge key by key recursively; any other combination is replaced
// wholesale by override. Sequences are never concatenated.
func Merge(base, override *Value) *Value {
	if override == nil {
		return Clone(base)
	}
	if !base.IsMapping() || !override.IsMapping() {
		return Clone(override)
	}
	out := Clone(base)
	for _, e := range override.Map.Entries() {
		cur, ok := out.Map.Get(e.Key)
		merged := Clone(e.Value)
		if ok {
			merged = Merge(cur, e.Value)
		}
		comment := e.Comment
		if comment == "" {
			if old, ok := out.Map.Entry(e.Key); ok {
				comment = old.Comment
			}
		}
		out.Map.setEntry(&Entry{Key: e.Key, Value: merged, Comment: comment})
	}
	return out
}
