package meta

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is a metadata file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// File is the on-disk layout of a metadata file.
//
//	classes:
//	  - name: com.example.Point
//	    fields:
//	      - name: x
//	      - name: y
type File struct {
	Classes []*ClassMetadata `yaml:"classes" toml:"classes" validate:"dive"`
}

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unknown metadata format for %s", path)
}

// Decode reads a metadata file in the given format.
func Decode(r io.Reader, format Format) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var f File
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && err != io.EOF {
			return nil, fmt.Errorf("parse yaml metadata: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return nil, fmt.Errorf("parse toml metadata: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parse toml metadata: unknown key %s", undecoded[0])
		}
	default:
		return nil, fmt.Errorf("unsupported metadata format %q", format)
	}
	return &f, nil
}

// LoadFile reads and decodes one metadata file.
func LoadFile(path string) (*File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	defer fh.Close()
	f, err := Decode(fh, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// AddFile registers every class of f.
func (r *Registry) AddFile(f *File) error {
	for _, c := range f.Classes {
		if c == nil {
			continue
		}
		if err := r.Add(c); err != nil {
			return err
		}
	}
	return nil
}

// LoadRegistry builds a registry from metadata files.
func LoadRegistry(paths ...string) (*Registry, error) {
	r := NewRegistry()
	for _, p := range paths {
		f, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		if err := r.AddFile(f); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return r, nil
}
