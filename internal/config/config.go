// Package config layers run settings: built-in defaults, then .localci.yml
// in the project, then LOCALCI_* environment variables. Command-line flags
// are applied on top by the caller before Validate.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FileName is the optional settings file in the project directory.
const FileName = ".localci.yml"

// Config holds everything a run needs besides the pipeline itself.
type Config struct {
	ProjectDir          string            `yaml:"-" validate:"required"`
	File                string            `yaml:"file" validate:"required"`
	StateDir            string            `yaml:"stateDir" validate:"required"`
	ShellIsolation      bool              `yaml:"shellIsolation"`
	PullPolicy          string            `yaml:"pullPolicy" validate:"oneof=always if-not-present never"`
	ContainerExecutable string            `yaml:"containerExecutable" validate:"required"`
	MountCache          bool              `yaml:"mountCache"`
	CAFile              string            `yaml:"caFile"`
	MACAddress          string            `yaml:"macAddress" validate:"omitempty,mac"`
	Concurrency         int               `yaml:"concurrency" validate:"gte=0"`
	DefaultTimeout      time.Duration     `yaml:"defaultTimeout" validate:"gte=0"`
	Needs               bool              `yaml:"needs"`
	Manual              []string          `yaml:"manual"`
	Variables           map[string]string `yaml:"variables" validate:"dive,keys,varname,endkeys"`
	LogLevel            string            `yaml:"logLevel" validate:"oneof=debug info warn error"`
	LogFormat           string            `yaml:"logFormat" validate:"oneof=console json"`
	MetricsFile         string            `yaml:"metricsFile"`
	Journal             bool              `yaml:"journal"`
	KeyDir              string            `yaml:"keyDir"`
	PrivateToken        string            `yaml:"privateToken"`

	// Jobs are the jobs named on the command line.
	Jobs []string `yaml:"-"`
}

// Default returns the built-in settings for projectDir.
func Default(projectDir string) *Config {
	return &Config{
		ProjectDir:          projectDir,
		File:                ".gitlab-ci.yml",
		StateDir:            ".localci-local",
		PullPolicy:          "if-not-present",
		ContainerExecutable: "docker",
		LogLevel:            "info",
		LogFormat:           "console",
		Variables:           map[string]string{},
	}
}

// Load applies the settings file and the environment over the defaults.
// lookup is usually os.LookupEnv.
func Load(projectDir string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default(projectDir)
	if err := cfg.loadFile(filepath.Join(projectDir, FileName)); err != nil {
		return nil, err
	}
	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if c.Variables == nil {
		c.Variables = map[string]string{}
	}
	return nil
}

type envSetter func(c *Config, v string) error

func str(dst func(*Config) *string) envSetter {
	return func(c *Config, v string) error { *dst(c) = v; return nil }
}

func boolean(dst func(*Config) *bool) envSetter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

var envVars = map[string]envSetter{
	"FILE":                 str(func(c *Config) *string { return &c.File }),
	"STATE_DIR":            str(func(c *Config) *string { return &c.StateDir }),
	"SHELL_ISOLATION":      boolean(func(c *Config) *bool { return &c.ShellIsolation }),
	"PULL_POLICY":          str(func(c *Config) *string { return &c.PullPolicy }),
	"CONTAINER_EXECUTABLE": str(func(c *Config) *string { return &c.ContainerExecutable }),
	"MOUNT_CACHE":          boolean(func(c *Config) *bool { return &c.MountCache }),
	"CA_FILE":              str(func(c *Config) *string { return &c.CAFile }),
	"MAC_ADDRESS":          str(func(c *Config) *string { return &c.MACAddress }),
	"NEEDS":                boolean(func(c *Config) *bool { return &c.Needs }),
	"LOG_LEVEL":            str(func(c *Config) *string { return &c.LogLevel }),
	"LOG_FORMAT":           str(func(c *Config) *string { return &c.LogFormat }),
	"METRICS_FILE":         str(func(c *Config) *string { return &c.MetricsFile }),
	"JOURNAL":              boolean(func(c *Config) *bool { return &c.Journal }),
	"KEY_DIR":              str(func(c *Config) *string { return &c.KeyDir }),
	"PRIVATE_TOKEN":        str(func(c *Config) *string { return &c.PrivateToken }),
	"CONCURRENCY": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		c.Concurrency = n
		return err
	},
	"DEFAULT_TIMEOUT": func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		c.DefaultTimeout = d
		return err
	},
	"MANUAL": func(c *Config, v string) error {
		c.Manual = splitList(v)
		return nil
	},
}

// EnvPrefix starts every environment override.
const EnvPrefix = "LOCALCI_"

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for name, set := range envVars {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		if err := set(c, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var validate = validator.New()

func init() {
	_ = validate.RegisterValidation("varname", func(fl validator.FieldLevel) bool {
		return isVarName(fl.Field().String())
	})
}

func isVarName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Validate checks field constraints and resolves relative paths against
// the project directory.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	c.StateDir = c.abs(c.StateDir)
	c.File = c.abs(c.File)
	if c.CAFile != "" {
		c.CAFile = c.abs(c.CAFile)
	}
	if c.KeyDir == "" {
		c.KeyDir = filepath.Join(c.StateDir, "keys")
	}
	c.KeyDir = c.abs(c.KeyDir)
	if c.MetricsFile != "" {
		c.MetricsFile = c.abs(c.MetricsFile)
	}
	return nil
}

func (c *Config) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ProjectDir, p)
}

// ParseVariables turns KEY=VALUE pairs into a map.
func ParseVariables(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || !isVarName(k) {
			return nil, fmt.Errorf("variable %q must be KEY=VALUE", p)
		}
		out[k] = v
	}
	return out, nil
}
