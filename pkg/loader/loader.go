// Package loader reads class files from directories, jars and jmods, and
// writes enhanced classes back out.
package loader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/daimatz/goenhance/pkg/classfile"
)

// ErrNotFound is returned when a class is not in a source.
var ErrNotFound = errors.New("class not found")

const classSuffix = ".class"

// Entry is one class file of a Source.
type Entry struct {
	// Name is the internal class name, e.g. com/example/Point.
	Name string
	// Path is the slash-separated path relative to the source root.
	Path    string
	ModTime time.Time

	open func() (io.ReadCloser, error)
}

// Open opens the class bytes.
func (e *Entry) Open() (io.ReadCloser, error) { return e.open() }

// ReadAll returns the class bytes.
func (e *Entry) ReadAll() ([]byte, error) {
	rc, err := e.open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Source is a set of class files.
type Source interface {
	// Entries lists every class file in path order.
	Entries() ([]*Entry, error)
	// Find returns the class file of an internal class name.
	Find(name string) (*Entry, error)
	Close() error
	String() string
}

// Open picks the source kind for path: a directory, a jar, zip or jmod
// archive, or a single class file.
func Open(p string) (Source, error) {
	st, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	if st.IsDir() {
		return NewDirSource(p), nil
	}
	switch strings.ToLower(filepath.Ext(p)) {
	case ".jar", ".zip", ".jmod":
		return OpenJar(p)
	case classSuffix:
		return NewFileSource(p), nil
	}
	return nil, fmt.Errorf("open source: %s is not a directory, archive or class file", p)
}

// classPath returns the relative path of a class file.
func classPath(name string) string { return name + classSuffix }

// className returns the class name of a relative path, or "" for paths
// that are not class files.
func className(rel string) string {
	if !strings.HasSuffix(rel, classSuffix) || path.Base(rel) == "module-info.class" {
		return ""
	}
	return strings.TrimSuffix(rel, classSuffix)
}

// ClassPath looks classes up along a list of sources, first match wins.
// Parsed classes are cached. It is safe for concurrent use.
type ClassPath struct {
	sources []Source

	mu    sync.Mutex
	cache map[string]*classfile.ClassFile
}

// NewClassPath returns a ClassPath searching sources in order.
func NewClassPath(sources ...Source) *ClassPath {
	return &ClassPath{sources: sources, cache: make(map[string]*classfile.ClassFile)}
}

// Find returns the first entry for name.
func (cp *ClassPath) Find(name string) (*Entry, error) {
	for _, s := range cp.sources {
		e, err := s.Find(name)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
}

// Locate parses the class file of name.
func (cp *ClassPath) Locate(name string) (*classfile.ClassFile, error) {
	cp.mu.Lock()
	cf, ok := cp.cache[name]
	cp.mu.Unlock()
	if ok {
		return cf, nil
	}
	e, err := cp.Find(name)
	if err != nil {
		return nil, err
	}
	data, err := e.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	if cf, err = classfile.ParseBytes(data); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	cp.mu.Lock()
	cp.cache[name] = cf
	cp.mu.Unlock()
	return cf, nil
}

// Close closes every source.
func (cp *ClassPath) Close() error {
	var errs []error
	for _, s := range cp.sources {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
