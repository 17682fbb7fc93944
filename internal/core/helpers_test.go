package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localci/internal/document"
)

func TestParseTimeout(t *testing.T) {
	tests := map[string]time.Duration{
		"1h 30m":          90 * time.Minute,
		"90 minutes":      90 * time.Minute,
		"2 hours 5 mins":  2*time.Hour + 5*time.Minute,
		"3600":            time.Hour,
		"45s":             45 * time.Second,
		"1 hour 1 second": time.Hour + time.Second,
		"":                0,
	}
	for in, want := range tests {
		got, err := ParseTimeout(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseTimeout("soon")
	assert.Error(t, err)
}

func TestFlattenScript(t *testing.T) {
	v, err := document.Decode([]byte(`[a, [b, [c, "  "]], null, d]`))
	require.NoError(t, err)

	got, err := FlattenScript(v)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)

	got, err = FlattenScript(document.NewString("single"))
	require.NoError(t, err)
	assert.Equal(t, []string{"single"}, got)

	_, err = FlattenScript(document.NewMapping(nil))
	assert.Error(t, err)
}

func TestExpandAll(t *testing.T) {
	out := ExpandAll(map[string]string{
		"A":       "${B}/a",
		"B":       "$C-b",
		"C":       "c",
		"ESCAPED": "$$HOME",
		"SELF":    "x$SELF",
		"UNKNOWN": "$NOPE",
	})
	assert.Equal(t, "c-b/a", out["A"])
	assert.Equal(t, "c-b", out["B"])
	assert.Equal(t, "$$HOME", out["ESCAPED"])
	assert.Equal(t, "x", out["SELF"])
	assert.Equal(t, "$NOPE", out["UNKNOWN"])

	assert.Equal(t, []string{"A=c-b/a", "B=c-b", "C=c", "ESCAPED=$HOME", "SELF=x", "UNKNOWN=$NOPE"}, Environ(out))
}

func TestExpand(t *testing.T) {
	lookup := Lookup(map[string]string{"KEY": "v1"})
	assert.Equal(t, "cache-v1", Expand("cache-$KEY", lookup))
	assert.Equal(t, "cache-", Expand("cache-${MISSING}", lookup))
	assert.Equal(t, "plain", Expand("plain", lookup))
}

func TestLayer(t *testing.T) {
	out := Layer(map[string]string{"A": "1", "B": "1"}, nil, map[string]string{"B": "2"})
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, out)
}
