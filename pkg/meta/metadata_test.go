package meta

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pointYAML = `
classes:
  - name: test.Point
    fields:
      - name: x
      - name: y
  - name: test/Account
    identity: application
    fields:
      - name: id
        primaryKey: true
      - name: balance
      - name: cache
        kind: transient
      - name: owner
        kind: managed
`

const pointTOML = `
[[classes]]
name = "test.Point"

  [[classes.fields]]
  name = "x"

  [[classes.fields]]
  name = "y"

[[classes]]
name = "test/Account"
identity = "application"

  [[classes.fields]]
  name = "id"
  primaryKey = true

  [[classes.fields]]
  name = "balance"

  [[classes.fields]]
  name = "cache"
  kind = "transient"

  [[classes.fields]]
  name = "owner"
  kind = "managed"
`

func TestDecodeFormatsAgree(t *testing.T) {
	y, err := Decode(strings.NewReader(pointYAML), FormatYAML)
	require.NoError(t, err)
	tm, err := Decode(strings.NewReader(pointTOML), FormatTOML)
	require.NoError(t, err)
	if diff := cmp.Diff(y, tm); diff != "" {
		t.Errorf("yaml and toml differ (-yaml +toml):\n%s", diff)
	}
	require.Len(t, y.Classes, 2)
	assert.Equal(t, IdentityApplication, y.Classes[1].IdentityType())
}

func TestRegistry(t *testing.T) {
	f, err := Decode(strings.NewReader(pointYAML), FormatYAML)
	require.NoError(t, err)
	r := NewRegistry()
	require.NoError(t, r.AddFile(f))

	assert.Equal(t, []string{"test/Account", "test/Point"}, r.Names())

	acct, err := r.Lookup("test.Account")
	require.NoError(t, err)
	assert.Equal(t, 3, acct.ManagedCount())
	assert.Equal(t, []string{"id"}, acct.PrimaryKeys())
	var names []string
	for _, fm := range acct.ManagedFields() {
		names = append(names, fm.Name)
	}
	assert.Equal(t, []string{"id", "balance", "owner"}, names)

	pt, err := r.Lookup("test/Point")
	require.NoError(t, err)
	assert.Equal(t, IdentityDatastore, pt.IdentityType())

	_, err = r.Lookup("test/Missing")
	assert.True(t, errors.Is(err, ErrNoMetadata))

	assert.Error(t, r.Add(&ClassMetadata{Name: "test.Point"}), "duplicate registration")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		meta ClassMetadata
		ok   bool
	}{
		{"minimal", ClassMetadata{Name: "a/B"}, true},
		{"missing name", ClassMetadata{}, false},
		{"bad name", ClassMetadata{Name: "a//B"}, false},
		{"descriptor name", ClassMetadata{Name: "La/B;"}, false},
		{"bad identity", ClassMetadata{Name: "a/B", Identity: "sequence"}, false},
		{"bad kind", ClassMetadata{Name: "a/B", Fields: []FieldMetadata{{Name: "f", Kind: "volatile"}}}, false},
		{"duplicate field", ClassMetadata{Name: "a/B", Fields: []FieldMetadata{{Name: "f"}, {Name: "f"}}}, false},
		{"unnamed field", ClassMetadata{Name: "a/B", Fields: []FieldMetadata{{}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.meta)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateJavaNameTag(t *testing.T) {
	err := Validate(&ClassMetadata{Name: "La/B;"})
	var verrs validator.ValidationErrors
	require.True(t, errors.As(err, &verrs), "got %v", err)
	require.Len(t, verrs, 1)
	assert.Equal(t, "javaname", verrs[0].Tag())
	assert.Equal(t, "Name", verrs[0].Field())
}

func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	yml := filepath.Join(dir, "point.yaml")
	require.NoError(t, os.WriteFile(yml, []byte(pointYAML), 0o644))
	extra := filepath.Join(dir, "extra.toml")
	require.NoError(t, os.WriteFile(extra, []byte("[[classes]]\nname = \"test.Extra\"\n"), 0o644))

	r, err := LoadRegistry(yml, extra)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Len())

	_, err = LoadRegistry(filepath.Join(dir, "meta.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("classes:\n  - name: a.B\n    colour: red\n"), 0o644))
	_, err = LoadRegistry(bad)
	assert.Error(t, err, "unknown keys are rejected")
}
