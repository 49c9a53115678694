package loader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"
)

// jmodMagic prefixes the zip data of a jmod file.
var jmodMagic = []byte("JM\x01\x00")

// jmodClasses is the directory holding class files inside a jmod.
const jmodClasses = "classes/"

// JarSource reads class files from a jar, zip or jmod archive.
type JarSource struct {
	Path string

	file   *os.File
	reader *zip.Reader
	prefix string
	byName map[string]*zip.File
}

// OpenJar opens an archive. Jmod files are recognized by their header;
// their classes live under classes/.
func OpenJar(path string) (*JarSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("jar: opening %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("jar: stat %s: %w", path, err)
	}

	head := make([]byte, len(jmodMagic))
	n, _ := f.ReadAt(head, 0)
	s := &JarSource{Path: path, file: f}
	var ra io.ReaderAt = f
	size := st.Size()
	if n == len(jmodMagic) && bytes.Equal(head, jmodMagic) {
		ra = io.NewSectionReader(f, int64(len(jmodMagic)), size-int64(len(jmodMagic)))
		size -= int64(len(jmodMagic))
		s.prefix = jmodClasses
	}
	if s.reader, err = zip.NewReader(ra, size); err != nil {
		f.Close()
		return nil, fmt.Errorf("jar: reading %s: %w", path, err)
	}

	s.byName = make(map[string]*zip.File)
	for _, zf := range s.reader.File {
		if zf.FileInfo().IsDir() || !strings.HasPrefix(zf.Name, s.prefix) {
			continue
		}
		name := className(strings.TrimPrefix(zf.Name, s.prefix))
		if name == "" || strings.HasPrefix(name, "META-INF/") {
			continue
		}
		if _, dup := s.byName[name]; !dup {
			s.byName[name] = zf
		}
	}
	return s, nil
}

func (s *JarSource) String() string { return s.Path }

func (s *JarSource) Close() error { return s.file.Close() }

func (s *JarSource) entry(name string, zf *zip.File) *Entry {
	return &Entry{
		Name:    name,
		Path:    classPath(name),
		ModTime: zf.Modified,
		open:    zf.Open,
	}
}

func (s *JarSource) Entries() ([]*Entry, error) {
	out := make([]*Entry, 0, len(s.byName))
	for name, zf := range s.byName {
		out = append(out, s.entry(name, zf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *JarSource) Find(name string) (*Entry, error) {
	zf, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%s in %s: %w", name, s.Path, ErrNotFound)
	}
	return s.entry(name, zf), nil
}

// JarSink writes classes into a new jar. Writes are serialized; entries
// appear in the order they are written. Close finishes the archive.
type JarSink struct {
	Path string

	mu   sync.Mutex
	file *os.File
	w    *zip.Writer
	seen map[string]bool
}

// CreateJar creates or truncates the jar at path.
func CreateJar(path string) (*JarSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("jar sink: %w", err)
	}
	return &JarSink{Path: path, file: f, w: zip.NewWriter(f), seen: make(map[string]bool)}, nil
}

func (s *JarSink) Write(e *Entry, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[e.Path] {
		return fmt.Errorf("jar sink: duplicate entry %s", e.Path)
	}
	s.seen[e.Path] = true
	hdr := &zip.FileHeader{Name: e.Path, Method: zip.Deflate, Modified: e.ModTime}
	w, err := s.w.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("jar sink: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("jar sink: writing %s: %w", e.Path, err)
	}
	return nil
}

func (s *JarSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Close(); err != nil {
		s.file.Close()
		return fmt.Errorf("jar sink: %w", err)
	}
	return s.file.Close()
}
