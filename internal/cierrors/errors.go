// Package cierrors defines the configuration faults raised before a pipeline starts.
package cierrors

import (
	"errors"
	"fmt"
)

// Fault kinds. Match with errors.Is.
var (
	ErrUnknownStage       = errors.New("unknown stage")
	ErrDuplicateStage     = errors.New("duplicate stage")
	ErrUnknownNeed        = errors.New("unknown need")
	ErrFutureStage        = errors.New("need in future stage")
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrCircularDependency = errors.New("circular dependency")
	ErrReferenceCycle     = errors.New("circular reference")
	ErrExtendsCycle       = errors.New("circular extends")
	ErrUnknownReference   = errors.New("unknown reference")
	ErrUnknownExtends     = errors.New("unknown extends")
	ErrEmptyScript        = errors.New("empty script")
	ErrInvalidCache       = errors.New("invalid cache")
	ErrInvalidWhen        = errors.New("invalid when")
	ErrInteractive        = errors.New("invalid interactive job")
	ErrInclude            = errors.New("include failure")
	ErrInvalidJob         = errors.New("invalid job")
)

// ConfigError is a configuration-validity fault. Error returns only Msg so
// the message can be shown to users unchanged.
type ConfigError struct {
	Kind  error
	Job   string
	Stage string
	Msg   string
}

func (e *ConfigError) Error() string { return e.Msg }

func (e *ConfigError) Unwrap() error { return e.Kind }

// New builds a ConfigError with a formatted message.
func New(kind error, job string, format string, args ...any) *ConfigError {
	return &ConfigError{Kind: kind, Job: job, Msg: fmt.Sprintf(format, args...)}
}

// WithStage sets the offending stage.
func (e *ConfigError) WithStage(stage string) *ConfigError {
	e.Stage = stage
	return e
}

// IsConfig reports whether err carries a configuration fault.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
