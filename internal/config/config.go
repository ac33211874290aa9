// Package config loads run settings from a TOML or YAML file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/zboralski/vmpiat/internal/vmp"
)

// Trace engines.
const (
	EngineSymbolic = "symbolic"
	EngineUnicorn  = "unicorn"
)

// Defaults.
const (
	DefaultIATSection = ".vmpiat"
	DefaultMaxSteps   = 10000
	DefaultWorkers    = 1
)

// Config is one run of the tool.
type Config struct {
	ProcessName    string   `toml:"process_name" yaml:"process_name"`
	ModuleName     string   `toml:"module_name" yaml:"module_name"`
	VMPSections    []string `toml:"vmp_sections" yaml:"vmp_sections"`
	IATSectionName string   `toml:"iat_section_name" yaml:"iat_section_name"`
	DumpPath       string   `toml:"dump_path" yaml:"dump_path"`
	Engine         string   `toml:"engine" yaml:"engine"`
	MaxSteps       int      `toml:"max_steps" yaml:"max_steps"`
	Workers        int      `toml:"workers" yaml:"workers"`
	ReportPath     string   `toml:"report_path" yaml:"report_path"`
}

// Default returns a config with every optional field set.
func Default() *Config {
	return &Config{
		IATSectionName: DefaultIATSection,
		Engine:         EngineSymbolic,
		MaxSteps:       DefaultMaxSteps,
		Workers:        DefaultWorkers,
	}
}

// Load reads path, picking the decoder from its extension. Keys absent from
// the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return nil, &vmp.ConfigurationError{Reason: fmt.Sprintf("%s: unknown key %s", path, undec[0])}
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, &vmp.ConfigurationError{Reason: fmt.Sprintf("%s: unknown config format %q", path, filepath.Ext(path))}
	}
	return cfg, nil
}

// Validate checks the fields a run needs.
func (c *Config) Validate() error {
	switch {
	case c.ProcessName == "":
		return &vmp.ConfigurationError{Reason: "process_name is required"}
	case c.ModuleName == "":
		return &vmp.ConfigurationError{Reason: "module_name is required"}
	case len(c.VMPSections) == 0:
		return &vmp.ConfigurationError{Reason: "at least one vmp section is required"}
	case c.DumpPath == "":
		return &vmp.ConfigurationError{Reason: "dump_path is required"}
	case c.IATSectionName == "" || len(c.IATSectionName) > 8:
		return &vmp.ConfigurationError{Reason: fmt.Sprintf("iat_section_name %q must be 1 to 8 bytes", c.IATSectionName)}
	case c.Engine != EngineSymbolic && c.Engine != EngineUnicorn:
		return &vmp.ConfigurationError{Reason: fmt.Sprintf("unknown engine %q", c.Engine)}
	case c.MaxSteps <= 0:
		return &vmp.ConfigurationError{Reason: "max_steps must be positive"}
	case c.Workers <= 0:
		return &vmp.ConfigurationError{Reason: "workers must be positive"}
	}
	for _, s := range c.VMPSections {
		if s == "" || len(s) > 8 {
			return &vmp.ConfigurationError{Reason: fmt.Sprintf("vmp section %q must be 1 to 8 bytes", s)}
		}
	}
	return nil
}
