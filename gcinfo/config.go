package gcinfo

import (
	"fmt"
	"io"
	"os"

	"github.com/google/shlex"
	"gopkg.in/yaml.v2"
)

// Config holds the build-time feature toggles for GC info generation. The
// corresponding state is always present and simply inert when a feature is
// disabled.
type Config struct {
	// EmitLogs writes slot assignment and liveness tables to LogWriter
	// while encoding.
	EmitLogs bool `yaml:"emit-logs"`

	// PartiallyInterruptible records per-safepoint call site offsets in
	// the header so the runtime can interrupt at call sites. When
	// disabled the call site section is skipped entirely.
	PartiallyInterruptible bool `yaml:"partially-interruptible"`

	// LogWriter receives the debug logs. Defaults to standard error.
	LogWriter io.Writer `yaml:"-"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("gcinfo: parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseOptions applies an option string handed down from the build driver,
// for example `-gcinfo-opts="emit-logs partially-interruptible"`. The
// string is split with shell quoting rules.
func (c *Config) ParseOptions(opts string) error {
	fields, err := shlex.Split(opts)
	if err != nil {
		return fmt.Errorf("gcinfo: parsing options %q: %w", opts, err)
	}
	for _, field := range fields {
		switch field {
		case "emit-logs":
			c.EmitLogs = true
		case "no-emit-logs":
			c.EmitLogs = false
		case "partially-interruptible":
			c.PartiallyInterruptible = true
		case "no-partially-interruptible":
			c.PartiallyInterruptible = false
		default:
			return fmt.Errorf("gcinfo: unknown option %q", field)
		}
	}
	return nil
}

func (c *Config) logf(format string, args ...interface{}) {
	if !c.EmitLogs {
		return
	}
	w := c.LogWriter
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintf(w, format+"\n", args...)
}
