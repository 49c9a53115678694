// Package meta holds the persistence metadata consulted by the enhancer:
// which classes are persistence-capable, their identity strategy, and how
// each declared field is managed.
package meta

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNoMetadata is returned by a Source for classes that are not
// persistence-capable.
var ErrNoMetadata = errors.New("no persistence metadata")

// Identity is the identity strategy of a persistent class.
type Identity string

const (
	IdentityDatastore   Identity = "datastore"
	IdentityApplication Identity = "application"
	IdentityNondurable  Identity = "nondurable"
)

// FieldKind says how a declared field participates in persistence.
type FieldKind string

const (
	KindPersistent FieldKind = "persistent"
	KindManaged    FieldKind = "managed"
	KindTransient  FieldKind = "transient"
)

// FieldMetadata describes one declared field.
type FieldMetadata struct {
	Name       string    `yaml:"name" toml:"name" validate:"required,javaname"`
	Kind       FieldKind `yaml:"kind,omitempty" toml:"kind,omitempty" validate:"omitempty,oneof=persistent managed transient"`
	PrimaryKey bool      `yaml:"primaryKey,omitempty" toml:"primaryKey,omitempty"`
}

// Managed reports whether the field is persistent or managed. An empty
// kind means persistent.
func (f FieldMetadata) Managed() bool {
	return f.Kind == "" || f.Kind == KindPersistent || f.Kind == KindManaged
}

// ClassMetadata describes one persistence-capable class. Name is the
// internal (slash-separated) class name; loaders also accept the dotted
// form.
type ClassMetadata struct {
	Name                 string          `yaml:"name" toml:"name" validate:"required,javaname"`
	Identity             Identity        `yaml:"identity,omitempty" toml:"identity,omitempty" validate:"omitempty,oneof=datastore application nondurable"`
	PersistentSuperclass bool            `yaml:"persistentSuperclass,omitempty" toml:"persistentSuperclass,omitempty"`
	EmbeddedOnly         bool            `yaml:"embeddedOnly,omitempty" toml:"embeddedOnly,omitempty"`
	Fields               []FieldMetadata `yaml:"fields" toml:"fields" validate:"dive"`
}

// IdentityType returns the identity strategy, defaulting to datastore.
func (c *ClassMetadata) IdentityType() Identity {
	if c.Identity == "" {
		return IdentityDatastore
	}
	return c.Identity
}

// Field returns the declaration of name.
func (c *ClassMetadata) Field(name string) (FieldMetadata, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldMetadata{}, false
}

// ManagedFields returns the persistent and managed fields in declaration
// order. Their positions are the relative field numbers.
func (c *ClassMetadata) ManagedFields() []FieldMetadata {
	var out []FieldMetadata
	for _, f := range c.Fields {
		if f.Managed() {
			out = append(out, f)
		}
	}
	return out
}

// ManagedCount returns len(ManagedFields()).
func (c *ClassMetadata) ManagedCount() int {
	n := 0
	for _, f := range c.Fields {
		if f.Managed() {
			n++
		}
	}
	return n
}

// PrimaryKeys returns the names of the primary-key fields.
func (c *ClassMetadata) PrimaryKeys() []string {
	var out []string
	for _, f := range c.Fields {
		if f.PrimaryKey {
			out = append(out, f.Name)
		}
	}
	return out
}

// InternalName converts a dotted class name to its internal form.
func InternalName(name string) string {
	return strings.ReplaceAll(name, ".", "/")
}

// Source resolves metadata by internal class name.
type Source interface {
	Lookup(className string) (*ClassMetadata, error)
}

// Registry is an in-memory Source. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]*ClassMetadata
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]*ClassMetadata)}
}

// Add validates c, normalizes its name and stores it. A class may be
// registered only once.
func (r *Registry) Add(c *ClassMetadata) error {
	c.Name = InternalName(c.Name)
	if err := Validate(c); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.classes[c.Name]; ok {
		return fmt.Errorf("duplicate metadata for class %s", c.Name)
	}
	r.classes[c.Name] = c
	return nil
}

// Lookup implements Source.
func (r *Registry) Lookup(className string) (*ClassMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[InternalName(className)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", className, ErrNoMetadata)
	}
	return c, nil
}

// Names returns the registered class names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classes))
	for n := range r.classes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered classes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.classes)
}
