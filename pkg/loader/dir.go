package loader

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/daimatz/goenhance/pkg/classfile"
)

// DirSource reads class files below a directory laid out by package.
type DirSource struct {
	Root string
}

func NewDirSource(root string) *DirSource { return &DirSource{Root: root} }

func (s *DirSource) String() string { return s.Root }

func (s *DirSource) Close() error { return nil }

func (s *DirSource) entry(name, rel string, info fs.FileInfo) *Entry {
	full := filepath.Join(s.Root, filepath.FromSlash(rel))
	return &Entry{
		Name:    name,
		Path:    rel,
		ModTime: info.ModTime(),
		open:    func() (io.ReadCloser, error) { return os.Open(full) },
	}
}

func (s *DirSource) Entries() ([]*Entry, error) {
	var out []*Entry
	err := filepath.WalkDir(s.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.Root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		name := className(rel)
		if name == "" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, s.entry(name, rel, info))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dir %s: %w", s.Root, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *DirSource) Find(name string) (*Entry, error) {
	rel := classPath(name)
	info, err := os.Stat(filepath.Join(s.Root, filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s in %s: %w", name, s.Root, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.entry(name, rel, info), nil
}

// FileSource is a single class file. Its class name is read from the file.
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource { return &FileSource{Path: path} }

func (s *FileSource) String() string { return s.Path }

func (s *FileSource) Close() error { return nil }

func (s *FileSource) Entries() ([]*Entry, error) {
	info, err := os.Stat(s.Path)
	if err != nil {
		return nil, err
	}
	cf, err := classfile.ParseFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path, err)
	}
	name, err := cf.ClassName()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path, err)
	}
	full := s.Path
	return []*Entry{{
		Name:    name,
		Path:    classPath(name),
		ModTime: info.ModTime(),
		open:    func() (io.ReadCloser, error) { return os.Open(full) },
	}}, nil
}

func (s *FileSource) Find(name string) (*Entry, error) {
	entries, err := s.Entries()
	if err != nil {
		return nil, err
	}
	if entries[0].Name != name {
		return nil, fmt.Errorf("%s in %s: %w", name, s.Path, ErrNotFound)
	}
	return entries[0], nil
}

// Sink receives enhanced classes.
type Sink interface {
	// Write stores data at the entry's path, stamped with its
	// modification time.
	Write(e *Entry, data []byte) error
	Close() error
}

// DirSink writes classes below a directory, creating package directories
// as needed. Files are replaced atomically and keep the input's
// modification time.
type DirSink struct {
	Root string
}

func NewDirSink(root string) *DirSink { return &DirSink{Root: root} }

func (s *DirSink) Write(e *Entry, data []byte) error {
	return replaceFile(filepath.Join(s.Root, filepath.FromSlash(e.Path)), data, e.ModTime)
}

func (s *DirSink) Close() error { return nil }

// FileSink writes every class to one file. It enhances a single class
// file in place.
type FileSink struct {
	Path string
}

func NewFileSink(path string) *FileSink { return &FileSink{Path: path} }

func (s *FileSink) Write(e *Entry, data []byte) error {
	return replaceFile(s.Path, data, e.ModTime)
}

func (s *FileSink) Close() error { return nil }

// replaceFile atomically replaces dst with data and stamps modTime.
func replaceFile(dst string, data []byte, modTime time.Time) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".goenhance-*")
	if err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("sink: writing %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sink: writing %s: %w", dst, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	if !modTime.IsZero() {
		if err := os.Chtimes(dst, time.Now(), modTime); err != nil {
			return fmt.Errorf("sink: %w", err)
		}
	}
	return nil
}
