// Package config handles classforge.toml and classforge.yaml settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"
	"gopkg.in/yaml.v3"

	"github.com/chazu/classforge/builder"
	"github.com/chazu/classforge/classfile"

	_ "github.com/tliron/commonlog/simple"
)

// File names searched for, in order of preference.
const (
	TOMLFile = "classforge.toml"
	YAMLFile = "classforge.yaml"
)

// Output kinds.
const (
	OutputDir    = "dir"
	OutputSQLite = "sqlite"
	OutputBundle = "bundle"
	OutputMemory = "memory"
)

// Config represents a classforge configuration file.
type Config struct {
	Class  ClassConfig  `toml:"class" yaml:"class"`
	Output OutputConfig `toml:"output" yaml:"output"`
	Log    LogConfig    `toml:"log" yaml:"log"`

	// Dir is the directory containing the configuration file (set at load time).
	Dir string `toml:"-" yaml:"-"`
}

// ClassConfig sets class file attributes applied to every generated type.
type ClassConfig struct {
	Major uint16 `toml:"major" yaml:"major"`
	Minor uint16 `toml:"minor" yaml:"minor"`

	// SourceFile attaches a SourceFile attribute named after the type.
	SourceFile bool `toml:"source-file" yaml:"source-file"`
}

// OutputConfig selects where class files are written.
type OutputConfig struct {
	Kind string `toml:"kind" yaml:"kind"`
	Path string `toml:"path" yaml:"path"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity" yaml:"verbosity"`
	File      string `toml:"file" yaml:"file"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Class.Major == 0 {
		c.Class.Major = classfile.DefaultMajorVersion
		c.Class.Minor = classfile.DefaultMinorVersion
	}
	if c.Output.Kind == "" {
		c.Output.Kind = OutputDir
	}
	if c.Output.Path == "" {
		switch c.Output.Kind {
		case OutputDir:
			c.Output.Path = "classes"
		case OutputSQLite:
			c.Output.Path = "classes.db"
		case OutputBundle:
			c.Output.Path = "classes.cbor"
		}
	}
}

// Validate checks version bounds and the output kind.
func (c *Config) Validate() error {
	if c.Class.Major < classfile.MinMajorVersion || c.Class.Major > classfile.MaxMajorVersion {
		return fmt.Errorf("class.major %d outside %d-%d", c.Class.Major,
			classfile.MinMajorVersion, classfile.MaxMajorVersion)
	}
	switch c.Output.Kind {
	case OutputDir, OutputSQLite, OutputBundle:
		if c.Output.Path == "" {
			return fmt.Errorf("output.path is required for kind %q", c.Output.Kind)
		}
	case OutputMemory:
	default:
		return fmt.Errorf("unknown output.kind %q", c.Output.Kind)
	}
	if c.Log.Verbosity < -4 || c.Log.Verbosity > 2 {
		return fmt.Errorf("log.verbosity %d outside -4..2", c.Log.Verbosity)
	}
	return nil
}

// Load parses the configuration file in dir, preferring classforge.toml
// over classforge.yaml.
func Load(dir string) (*Config, error) {
	for _, name := range []string{TOMLFile, YAMLFile} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, fmt.Errorf("no %s or %s in %s", TOMLFile, YAMLFile, dir)
}

// LoadFile parses one configuration file. The format follows the
// extension.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &c)
	default:
		err = toml.Unmarshal(data, &c)
	}
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find a configuration file, then
// loads it. It returns Default() if none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		for _, name := range []string{TOMLFile, YAMLFile} {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				return Load(dir)
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// OutputPath returns the output path resolved against Dir.
func (c *Config) OutputPath() string {
	if c.Output.Path == "" || filepath.IsAbs(c.Output.Path) || c.Dir == "" {
		return c.Output.Path
	}
	return filepath.Join(c.Dir, c.Output.Path)
}

// BuilderOptions returns the options that apply this configuration to
// the type name.
func (c *Config) BuilderOptions(name string) []builder.Option {
	opts := []builder.Option{builder.WithVersion(c.Class.Major, c.Class.Minor)}
	if c.Class.SourceFile {
		opts = append(opts, builder.WithSourceFile(SourceFileName(name)))
	}
	return opts
}

// SourceFileName derives "Outer.java" from a dotted or internal class
// name; nested types share their outer type's file.
func SourceFileName(name string) string {
	name = strings.ReplaceAll(name, ".", "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexByte(name, '$'); i > 0 {
		name = name[:i]
	}
	return name + ".java"
}

// ConfigureLogging applies the log settings to commonlog.
func (c *Config) ConfigureLogging() {
	var path *string
	if c.Log.File != "" {
		path = &c.Log.File
	}
	commonlog.Configure(c.Log.Verbosity, path)
}
