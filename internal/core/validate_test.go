package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localci/internal/cierrors"
)

func TestValidateJob(t *testing.T) {
	tests := []struct {
		name string
		src  string
		kind error
		msg  string
	}{
		{
			name: "empty script array",
			src:  `empty: {script: []}`,
			kind: cierrors.ErrEmptyScript,
			msg:  "jobs:empty config should implement a script: or a trigger: keyword",
		},
		{
			name: "blank script string",
			src:  `blank: {script: "   "}`,
			kind: cierrors.ErrEmptyScript,
		},
		{
			name: "when never outside rules",
			src:  `j: {script: [x], when: never}`,
			kind: cierrors.ErrInvalidWhen,
			msg:  "jobs:j when:never can only be used in a rules section or workflow:rules",
		},
		{
			name: "interactive without manual",
			src:  "# @Interactive\nj: {script: [x]}",
			kind: cierrors.ErrInteractive,
		},
		{
			name: "interactive with image",
			src:  "# @Interactive\nj: {script: [x], when: manual, image: alpine}",
			kind: cierrors.ErrInteractive,
		},
		{
			name: "cache without paths",
			src:  `j: {script: [x], cache: {key: k}}`,
			kind: cierrors.ErrInvalidCache,
		},
		{
			name: "valid",
			src:  `j: {script: [x], rules: [{when: never}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parse(t, tt.src)
			require.NoError(t, err)
			require.Len(t, p.Jobs, 1)

			err = ValidateJob(p.Jobs[0])
			if tt.kind == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), err.Error())
			if tt.msg != "" {
				assert.Equal(t, tt.msg, err.Error())
			}
		})
	}
}
