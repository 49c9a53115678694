package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/goenhance/pkg/classfile"
	"github.com/daimatz/goenhance/pkg/classfile/cftest"
	"github.com/daimatz/goenhance/pkg/observability"
)

const pointMetadata = `classes:
  - name: test.Point
    fields:
      - name: x
      - name: y
`

// execute runs the command line in a fresh root command.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
	t.Chdir(t.TempDir())

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func fixture(t *testing.T) (classes, metadata string) {
	t.Helper()
	dir := t.TempDir()
	classes = filepath.Join(dir, "classes")
	for rel, data := range map[string][]byte{
		"test/Point.class": cftest.Point(52).Bytes(),
		"test/Plain.class": cftest.Plain().Bytes(),
	} {
		p := filepath.Join(classes, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, data, 0o644))
		stamp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, os.Chtimes(p, stamp, stamp))
	}
	metadata = filepath.Join(dir, "model.yaml")
	require.NoError(t, os.WriteFile(metadata, []byte(pointMetadata), 0o644))
	return classes, metadata
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "goenhance version dev\n", out)

	out, err = execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "goenhance version dev")
}

func TestEnhanceToDirectory(t *testing.T) {
	classes, metadata := fixture(t)
	outDir := filepath.Join(t.TempDir(), "out")

	out, err := execute(t, "enhance", "-m", metadata, "-o", outDir, "--log-level", "error", classes)
	require.NoError(t, err)
	assert.Contains(t, out, "2 classes: 1 enhanced, 1 unchanged, 0 failed")

	cf, err := classfile.ParseFile(filepath.Join(outDir, "test", "Point.class"))
	require.NoError(t, err)
	assert.NotNil(t, cf.Marker())
	assert.FileExists(t, filepath.Join(outDir, "test", "Plain.class"))
}

func TestEnhanceNamedClassToJar(t *testing.T) {
	classes, metadata := fixture(t)
	jar := filepath.Join(t.TempDir(), "out.jar")

	out, err := execute(t, "enhance", "-m", metadata, "-o", jar, "--class", "--source-path", classes, "--log-level", "error", "test.Point")
	require.NoError(t, err)
	assert.Contains(t, out, "1 enhanced")
	assert.FileExists(t, jar)
}

func TestEnhanceReportsFailures(t *testing.T) {
	classes, _ := fixture(t)
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("classes:\n  - name: test.Point\n    fields:\n      - name: z\n"), 0o644))

	out, err := execute(t, "enhance", "-m", bad, "-o", t.TempDir(), "--log-level", "error", classes)
	require.Error(t, err)
	assert.Contains(t, out, "1 failed")
	assert.Contains(t, out, "test/Point")
}

func TestEnhanceNeedsMetadata(t *testing.T) {
	classes, _ := fixture(t)
	_, err := execute(t, "enhance", classes)
	assert.ErrorContains(t, err, "no metadata files")
}

func TestInvalidFlagValue(t *testing.T) {
	classes, metadata := fixture(t)
	_, err := execute(t, "enhance", "-m", metadata, "-j", "0", classes)
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestDump(t *testing.T) {
	classes, _ := fixture(t)
	out, err := execute(t, "dump", filepath.Join(classes, "test", "Point.class"))
	require.NoError(t, err)
	assert.Contains(t, out, "test/Point")

	out, err = execute(t, "dump", "--source-path", classes, "test.Plain")
	require.NoError(t, err)
	assert.Contains(t, out, "test/Plain")

	_, err = execute(t, "dump", "test.Plain")
	assert.Error(t, err)
}

func TestHistory(t *testing.T) {
	classes, metadata := fixture(t)
	db := filepath.Join(t.TempDir(), "history.db")

	out, err := execute(t, "enhance", "-m", metadata, "-o", t.TempDir(), "--history", "--history-db", db, "--log-level", "error", classes)
	require.NoError(t, err)
	assert.Contains(t, out, "run ")

	out, err = execute(t, "history", "--history-db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "finished")
	assert.Contains(t, out, classes)

	out, err = execute(t, "history", "--history-db", db, "--class", "test.Point")
	require.NoError(t, err)
	assert.Contains(t, out, "enhanced")
}
