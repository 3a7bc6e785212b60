package config

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/classforge/builder"
	"github.com/chazu/classforge/classfile"
)

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	content := `
[class]
major = 50
minor = 0
source-file = true

[output]
kind = "sqlite"
path = "out/classes.db"

[log]
verbosity = 1
`
	if err := os.WriteFile(filepath.Join(dir, TOMLFile), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Class.Major != 50 {
		t.Errorf("class major = %d, want 50", c.Class.Major)
	}
	if !c.Class.SourceFile {
		t.Error("class source-file = false, want true")
	}
	if c.Output.Kind != OutputSQLite {
		t.Errorf("output kind = %q, want sqlite", c.Output.Kind)
	}
	if c.Log.Verbosity != 1 {
		t.Errorf("log verbosity = %d, want 1", c.Log.Verbosity)
	}
	want := filepath.Join(c.Dir, "out", "classes.db")
	if got := c.OutputPath(); got != want {
		t.Errorf("OutputPath() = %q, want %q", got, want)
	}
	if n := len(c.BuilderOptions("com.example.Widget")); n != 2 {
		t.Errorf("BuilderOptions count = %d, want 2", n)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	content := `
class:
  major: 48
output:
  kind: bundle
`
	if err := os.WriteFile(filepath.Join(dir, YAMLFile), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Class.Major != 48 {
		t.Errorf("class major = %d, want 48", c.Class.Major)
	}
	if c.Output.Kind != OutputBundle {
		t.Errorf("output kind = %q, want bundle", c.Output.Kind)
	}
	if c.Output.Path != "classes.cbor" {
		t.Errorf("output path = %q, want classes.cbor", c.Output.Path)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, TOMLFile), []byte("[log]\nverbosity = 0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Class.Major != 49 || c.Class.Minor != 0 {
		t.Errorf("version = %d.%d, want 49.0", c.Class.Major, c.Class.Minor)
	}
	if c.Output.Kind != OutputDir || c.Output.Path != "classes" {
		t.Errorf("output = %+v, want dir/classes", c.Output)
	}
	if c.Class.SourceFile {
		t.Error("source-file defaulted to true")
	}
	if n := len(c.BuilderOptions("Widget")); n != 1 {
		t.Errorf("BuilderOptions count = %d, want 1", n)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errText string
	}{
		{"version too new", "[class]\nmajor = 52\n", "class.major"},
		{"version too old", "[class]\nmajor = 44\n", "class.major"},
		{"unknown output", "[output]\nkind = \"jar\"\n", "output.kind"},
		{"verbosity", "[log]\nverbosity = 7\n", "log.verbosity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, TOMLFile), []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(dir)
			if err == nil || !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("Load error = %v, want mention of %s", err, tt.errText)
			}
		})
	}
}

func TestParseError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, TOMLFile), []byte("[class\nmajor ="), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "parse error") {
		t.Errorf("Load error = %v, want parse error", err)
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, TOMLFile), []byte("[output]\nkind = \"memory\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c.Output.Kind != OutputMemory {
		t.Errorf("output kind = %q, want memory", c.Output.Kind)
	}
	abs, _ := filepath.Abs(root)
	if c.Dir != abs {
		t.Errorf("dir = %q, want %q", c.Dir, abs)
	}
}

func TestSourceFileName(t *testing.T) {
	tests := map[string]string{
		"com.example.Widget":       "Widget.java",
		"com/example/Widget$Inner": "Widget.java",
		"Plain":                    "Plain.java",
	}
	for in, want := range tests {
		if got := SourceFileName(in); got != want {
			t.Errorf("SourceFileName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuilderOptionsApplied(t *testing.T) {
	dir := t.TempDir()
	content := "[class]\nmajor = 50\nminor = 3\nsource-file = true\n"
	if err := os.WriteFile(filepath.Join(dir, TOMLFile), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var data []byte
	capture := builder.SinkFunc(func(_ string, b []byte) error { data = b; return nil })
	name := "com.example.Widget$Part"
	if err := builder.Build(capture, name, func(*builder.TypeBuilder) error { return nil }, c.BuilderOptions(name)...); err != nil {
		t.Fatal(err)
	}
	cf, err := classfile.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if cf.Major != 50 || cf.Minor != 3 {
		t.Errorf("version = %d.%d, want 50.3", cf.Major, cf.Minor)
	}
	attr, ok := cf.Attribute(cf.Attributes, classfile.AttrSourceFile)
	if !ok {
		t.Fatal("no SourceFile attribute")
	}
	if file, err := cf.Pool.Utf8(binary.BigEndian.Uint16(attr.Data)); err != nil || file != "Widget.java" {
		t.Errorf("SourceFile = %q, %v; want Widget.java", file, err)
	}

	// Without source-file the attribute is absent and defaults apply.
	data = nil
	if err := builder.Build(capture, name, func(*builder.TypeBuilder) error { return nil }, Default().BuilderOptions(name)...); err != nil {
		t.Fatal(err)
	}
	if cf, err = classfile.Parse(data); err != nil {
		t.Fatal(err)
	}
	if cf.Major != classfile.DefaultMajorVersion || cf.Minor != classfile.DefaultMinorVersion {
		t.Errorf("default version = %d.%d", cf.Major, cf.Minor)
	}
	if _, ok := cf.Attribute(cf.Attributes, classfile.AttrSourceFile); ok {
		t.Error("SourceFile attribute written without source-file")
	}
}
