package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalExpression(t *testing.T) {
	vars := Lookup(map[string]string{
		"CI_COMMIT_BRANCH": "main",
		"EMPTY":            "",
		"TAG":              "v1.2.3",
		"PATTERN":          "/^v1/",
	})
	tests := []struct {
		expr string
		want bool
	}{
		{`$CI_COMMIT_BRANCH == "main"`, true},
		{`$CI_COMMIT_BRANCH != "main"`, false},
		{`${CI_COMMIT_BRANCH} == 'main'`, true},
		{`$MISSING == null`, true},
		{`$EMPTY == null`, false},
		{`$EMPTY == ""`, true},
		{`$EMPTY`, false},
		{`$TAG`, true},
		{`$MISSING`, false},
		{`$TAG =~ /^v\d+\.\d+/`, true},
		{`$TAG !~ /^v2/`, true},
		{`$TAG =~ /^V1/i`, true},
		{`$TAG =~ $PATTERN`, true},
		{`$MISSING =~ /.*/`, false},
		{`$CI_COMMIT_BRANCH == "dev" || $TAG`, true},
		{`$CI_COMMIT_BRANCH == "main" && $EMPTY`, false},
		{`($CI_COMMIT_BRANCH == "dev" || $TAG) && $CI_COMMIT_BRANCH == "main"`, true},
		{`$CI_COMMIT_BRANCH == "dev" || $TAG && $MISSING`, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvalExpression(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalExpressionErrors(t *testing.T) {
	for _, expr := range []string{`$A == "x`, `($A`, `$A ==`, `/open`, `$A == "x" junk`} {
		_, err := EvalExpression(expr, Lookup(nil))
		assert.Error(t, err, expr)
	}
}

func TestEvalRules(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), nil, 0o644))
	env := RuleEnv{Lookup: Lookup(map[string]string{"DEPLOY": "yes"}), ProjectDir: dir}

	res, err := EvalRules([]Rule{
		{If: `$DEPLOY == "no"`, When: Always},
		{Exists: []string{"missing/**"}},
		{Exists: []string{"Dockerfile"}, When: Manual, Variables: map[string]string{"X": "1"}},
	}, OnSuccess, env)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, Manual, res.When)
	assert.Equal(t, map[string]string{"X": "1"}, res.Variables)

	res, err = EvalRules([]Rule{{If: `$DEPLOY == "no"`}}, OnSuccess, env)
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, Never, res.When)

	res, err = EvalRules([]Rule{{Changes: []string{"src/**"}}}, OnFailure, env)
	require.NoError(t, err)
	assert.Equal(t, OnFailure, res.When)
}
