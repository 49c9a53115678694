package driver

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/daimatz/goenhance/pkg/classfile"
	"github.com/daimatz/goenhance/pkg/classfile/cftest"
	"github.com/daimatz/goenhance/pkg/enhancer"
	"github.com/daimatz/goenhance/pkg/history"
	"github.com/daimatz/goenhance/pkg/loader"
	"github.com/daimatz/goenhance/pkg/meta"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	compiled  = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	annotated = time.Date(2024, 3, 2, 8, 30, 0, 0, time.UTC)
)

func registry(t *testing.T, classes ...*meta.ClassMetadata) *meta.Registry {
	t.Helper()
	reg := meta.NewRegistry()
	for _, c := range classes {
		require.NoError(t, reg.Add(c))
	}
	return reg
}

func modelRegistry(t *testing.T) *meta.Registry {
	return registry(t,
		&meta.ClassMetadata{Name: "test.Point", Fields: []meta.FieldMetadata{{Name: "x"}, {Name: "y"}}},
		&meta.ClassMetadata{Name: "test.Account", Fields: []meta.FieldMetadata{{Name: "balance"}, {Name: "name"}}},
		&meta.ClassMetadata{Name: "test.Savings", PersistentSuperclass: true, Fields: []meta.FieldMetadata{{Name: "rate"}}},
	)
}

func writeClasses(t *testing.T, root string) {
	t.Helper()
	classes := map[string][]byte{
		"test/Point.class":   cftest.Point(52).Bytes(),
		"test/Plain.class":   cftest.Plain().Bytes(),
		"test/Account.class": cftest.Account(52).Bytes(),
		"test/Savings.class": cftest.Savings(52).Bytes(),
	}
	for rel, data := range classes {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, data, 0o644))
		require.NoError(t, os.Chtimes(p, compiled, compiled))
	}
}

func newDriver(t *testing.T, src meta.Source, mutate func(*Config)) *Driver {
	t.Helper()
	cfg := Config{
		Options:     enhancer.DefaultOptions(),
		Concurrency: 3,
		Log:         zaptest.NewLogger(t),
		Now:         func() time.Time { return annotated },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(src, cfg)
}

func parseFile(t *testing.T, path string) *classfile.ClassFile {
	t.Helper()
	cf, err := classfile.ParseFile(path)
	require.NoError(t, err)
	return cf
}

func TestRunInPlace(t *testing.T) {
	root := t.TempDir()
	writeClasses(t, root)
	d := newDriver(t, modelRegistry(t), nil)

	sum, err := d.Run(context.Background(), []string{root}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Classes)
	assert.Equal(t, 3, sum.Enhanced)
	assert.Equal(t, 1, sum.Unchanged)
	assert.Zero(t, sum.Failed())
	assert.False(t, sum.Aborted)

	point := parseFile(t, filepath.Join(root, "test", "Point.class"))
	require.NotNil(t, point.Marker())
	assert.NotNil(t, point.FindMethod("jdoGetx", "(Ltest/Point;)I"))

	plain, err := os.ReadFile(filepath.Join(root, "test", "Plain.class"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(cftest.Plain().Bytes(), plain), "unchanged classes are not rewritten")

	st, err := os.Stat(filepath.Join(root, "test", "Point.class"))
	require.NoError(t, err)
	assert.True(t, st.ModTime().Equal(compiled), "enhanced files keep their modification time")

	t.Run("second run changes nothing", func(t *testing.T) {
		before, err := os.ReadFile(filepath.Join(root, "test", "Savings.class"))
		require.NoError(t, err)
		sum, err := newDriver(t, modelRegistry(t), nil).Run(context.Background(), []string{root}, nil)
		require.NoError(t, err)
		assert.Zero(t, sum.Enhanced)
		assert.Equal(t, 4, sum.Unchanged)
		after, err := os.ReadFile(filepath.Join(root, "test", "Savings.class"))
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}

func TestRunJarToJarWithHistory(t *testing.T) {
	dir := t.TempDir()
	classes := filepath.Join(dir, "classes")
	writeClasses(t, classes)

	in := filepath.Join(dir, "in.jar")
	jar, err := loader.CreateJar(in)
	require.NoError(t, err)
	src, err := loader.Open(classes)
	require.NoError(t, err)
	entries, err := src.Entries()
	require.NoError(t, err)
	for _, e := range entries {
		data, err := e.ReadAll()
		require.NoError(t, err)
		require.NoError(t, jar.Write(e, data))
	}
	require.NoError(t, jar.Close())

	store, err := history.Open(filepath.Join(dir, "history.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	out := filepath.Join(dir, "out.jar")
	sink, err := loader.CreateJar(out)
	require.NoError(t, err)
	d := newDriver(t, modelRegistry(t), func(c *Config) { c.History = store })
	sum, err := d.Run(context.Background(), []string{in}, sink)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.Equal(t, 3, sum.Enhanced)
	assert.NotEmpty(t, sum.RunID)

	result, err := loader.Open(out)
	require.NoError(t, err)
	defer result.Close()
	written, err := result.Entries()
	require.NoError(t, err)
	assert.Len(t, written, 4, "unchanged classes are copied to a separate output")

	run, err := store.GetRun(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, 3, run.Enhanced)
	assert.Equal(t, 1, run.Unchanged)
	assert.False(t, run.FinishedAt.IsZero())

	recs, err := store.ClassHistory(context.Background(), "test/Point", 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, history.StatusEnhanced, recs[0].Status)
	assert.Equal(t, 2, recs[0].Accessors)
}

func TestUserErrorsDoNotStopTheRun(t *testing.T) {
	root := t.TempDir()
	writeClasses(t, root)
	reg := registry(t,
		&meta.ClassMetadata{Name: "test.Point", Fields: []meta.FieldMetadata{{Name: "x"}, {Name: "z"}}},
		&meta.ClassMetadata{Name: "test.Account", Fields: []meta.FieldMetadata{{Name: "balance"}}},
	)
	out := t.TempDir()
	sum, err := newDriver(t, reg, nil).Run(context.Background(), []string{root}, loader.NewDirSink(out))
	require.NoError(t, err)
	require.Equal(t, 1, sum.Failed())
	assert.Equal(t, "test/Point", sum.Failures[0].Class)
	var ue *enhancer.UserError
	assert.True(t, errors.As(sum.Failures[0].Err, &ue))
	assert.Equal(t, 1, sum.Enhanced)

	_, err = os.Stat(filepath.Join(out, "test", "Point.class"))
	assert.True(t, os.IsNotExist(err), "failed classes are not written")
}

type panicSource struct{}

func (panicSource) Lookup(string) (*meta.ClassMetadata, error) { panic("lookup failed") }

func TestInternalErrorAborts(t *testing.T) {
	root := t.TempDir()
	writeClasses(t, root)
	sum, err := newDriver(t, panicSource{}, func(c *Config) { c.Concurrency = 1 }).
		Run(context.Background(), []string{root}, loader.NewDirSink(t.TempDir()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAborted))
	assert.True(t, enhancer.IsFatal(err))
	assert.True(t, sum.Aborted)
	assert.Equal(t, 1, sum.Classes, "no class starts after the fatal one")
}

func TestRunClasses(t *testing.T) {
	root := t.TempDir()
	writeClasses(t, root)
	out := t.TempDir()

	d := newDriver(t, modelRegistry(t), nil)
	sum, err := d.RunClasses(context.Background(), []string{"test.Savings", "test/Plain"}, []string{root}, loader.NewDirSink(out))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Enhanced)
	assert.Equal(t, 1, sum.Unchanged)

	savings := parseFile(t, filepath.Join(out, "test", "Savings.class"))
	assert.NotNil(t, savings.FindMethod("jdoGetrate", "(Ltest/Savings;)D"))
	_, err = os.Stat(filepath.Join(out, "test", "Point.class"))
	assert.True(t, os.IsNotExist(err))

	_, err = d.RunClasses(context.Background(), []string{"test.Missing"}, []string{root}, loader.NewDirSink(out))
	assert.True(t, errors.Is(err, loader.ErrNotFound))
	_, err = d.RunClasses(context.Background(), []string{"test.Point"}, []string{root}, nil)
	assert.Error(t, err)
}

func TestArchivesNeedAnOutput(t *testing.T) {
	dir := t.TempDir()
	jarPath := filepath.Join(dir, "a.jar")
	jar, err := loader.CreateJar(jarPath)
	require.NoError(t, err)
	require.NoError(t, jar.Write(&loader.Entry{Path: "test/Plain.class", ModTime: compiled}, cftest.Plain().Bytes()))
	require.NoError(t, jar.Close())

	_, err = newDriver(t, modelRegistry(t), nil).Run(context.Background(), []string{jarPath}, nil)
	assert.Error(t, err)
}

func TestTimingsAreSummed(t *testing.T) {
	root := t.TempDir()
	writeClasses(t, root)
	d := newDriver(t, modelRegistry(t), func(c *Config) { c.Options.Timing = true })
	sum, err := d.Run(context.Background(), []string{root}, loader.NewDirSink(t.TempDir()))
	require.NoError(t, err)
	assert.Contains(t, sum.Timings, enhancer.PhaseParse)
	assert.Contains(t, sum.Timings, enhancer.PhaseWrite)
}

func TestCanceledContext(t *testing.T) {
	root := t.TempDir()
	writeClasses(t, root)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := newDriver(t, modelRegistry(t), nil).Run(ctx, []string{root}, loader.NewDirSink(t.TempDir()))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, sum.Aborted)
	assert.Zero(t, sum.Classes)
}
