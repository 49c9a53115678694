package loader

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/daimatz/goenhance/pkg/classfile/cftest"
)

var stamp = time.Date(2024, 5, 6, 7, 8, 10, 0, time.UTC)

func writeClass(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, stamp, stamp); err != nil {
		t.Fatal(err)
	}
}

func buildJar(t *testing.T, path string, entries map[string][]byte) {
	t.Helper()
	sink, err := CreateJar(path)
	if err != nil {
		t.Fatal(err)
	}
	for rel, data := range entries {
		if err := sink.Write(&Entry{Path: rel, ModTime: stamp}, data); err != nil {
			t.Fatal(err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDirSource(t *testing.T) {
	root := t.TempDir()
	writeClass(t, root, "test/Point.class", cftest.Point(52).Bytes())
	writeClass(t, root, "test/Plain.class", cftest.Plain().Bytes())
	writeClass(t, root, "test/readme.txt", []byte("not a class"))

	src, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := src.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(entries))
	}
	if entries[0].Name != "test/Plain" || entries[1].Name != "test/Point" {
		t.Errorf("entries: got %s, %s", entries[0].Name, entries[1].Name)
	}
	if !entries[1].ModTime.Equal(stamp) {
		t.Errorf("mod time: got %v, want %v", entries[1].ModTime, stamp)
	}

	t.Run("find", func(t *testing.T) {
		e, err := src.Find("test/Point")
		if err != nil {
			t.Fatal(err)
		}
		data, err := e.ReadAll()
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != string(cftest.Point(52).Bytes()) {
			t.Error("read bytes differ from the file")
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, err := src.Find("test/Missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})
}

func TestJarSource(t *testing.T) {
	jar := filepath.Join(t.TempDir(), "app.jar")
	buildJar(t, jar, map[string][]byte{
		"test/Point.class":     cftest.Point(52).Bytes(),
		"META-INF/MANIFEST.MF": []byte("Manifest-Version: 1.0\n"),
		"module-info.class":    {0xCA, 0xFE},
	})

	src, err := Open(jar)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	entries, err := src.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "test/Point" {
		t.Fatalf("entries: got %v", entries)
	}
	if !entries[0].ModTime.Equal(stamp) {
		t.Errorf("mod time: got %v, want %v", entries[0].ModTime, stamp)
	}
	data, err := entries[0].ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(cftest.Point(52).Bytes()) {
		t.Error("jar entry differs from the written class")
	}
}

func TestJmodSource(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "plain.zip")
	buildJar(t, zipPath, map[string][]byte{"classes/test/Plain.class": cftest.Plain().Bytes()})
	body, err := os.ReadFile(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	jmod := filepath.Join(dir, "test.jmod")
	if err := os.WriteFile(jmod, append(append([]byte{}, jmodMagic...), body...), 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := OpenJar(jmod)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	e, err := src.Find("test/Plain")
	if err != nil {
		t.Fatalf("failed to find test/Plain in jmod: %v", err)
	}
	if e.Path != "test/Plain.class" {
		t.Errorf("path: got %q", e.Path)
	}
}

func TestFileSource(t *testing.T) {
	p := filepath.Join(t.TempDir(), "Whatever.class")
	if err := os.WriteFile(p, cftest.Point(52).Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := Open(p)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := src.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Name != "test/Point" || entries[0].Path != "test/Point.class" {
		t.Errorf("entry: got %s at %s", entries[0].Name, entries[0].Path)
	}
}

func TestDirSinkKeepsModTime(t *testing.T) {
	out := t.TempDir()
	sink := NewDirSink(out)
	e := &Entry{Name: "test/Point", Path: "test/Point.class", ModTime: stamp}
	if err := sink.Write(e, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	st, err := os.Stat(filepath.Join(out, "test", "Point.class"))
	if err != nil {
		t.Fatal(err)
	}
	if !st.ModTime().Equal(stamp) {
		t.Errorf("mod time: got %v, want %v", st.ModTime(), stamp)
	}
	if st.Size() != 3 {
		t.Errorf("size: got %d", st.Size())
	}
}

func TestClassPath(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeClass(t, second, "test/Savings.class", cftest.Savings(52).Bytes())
	writeClass(t, second, "test/Point.class", cftest.Point(52).Bytes())
	writeClass(t, first, "test/Point.class", cftest.Point(49).Bytes())

	cp := NewClassPath(NewDirSource(first), NewDirSource(second))
	defer cp.Close()

	cf, err := cp.Locate("test/Savings")
	if err != nil {
		t.Fatal(err)
	}
	if got := cf.SuperClassName(); got != "test/Account" {
		t.Errorf("super: got %q", got)
	}
	again, err := cp.Locate("test/Savings")
	if err != nil {
		t.Fatal(err)
	}
	if again != cf {
		t.Error("expected the cached ClassFile")
	}

	pt, err := cp.Locate("test/Point")
	if err != nil {
		t.Fatal(err)
	}
	if pt.MajorVersion != 49 {
		t.Errorf("first source should win: got major %d", pt.MajorVersion)
	}

	if _, err := cp.Locate("test/Missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
