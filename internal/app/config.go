package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the optional YAML file given with --config.
// Flags set on the command line win over it.
type Config struct {
	Args         []string `yaml:"args"`
	Env          []string `yaml:"env"`
	WorkingDir   string   `yaml:"working_dir"`
	StepInterval string   `yaml:"step_interval"`
	LogLevel     string   `yaml:"log_level"`
	StatusAddr   string   `yaml:"status_addr"`
}

// LoadConfig reads path. ${VAR} references are replaced with the variable's value, or left as-is when it is unset.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	b = envVarPattern.ReplaceAllFunc(b, func(ref []byte) []byte {
		name := envVarPattern.FindSubmatch(ref)[1]
		if v, ok := os.LookupEnv(string(name)); ok {
			return []byte(v)
		}
		return ref
	})

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return &cfg, nil
}
