package xmod

import (
	"reflect"
	"slices"
	"strings"
)

// Contract is a module's local projection of a message owned by another module.
// Required lists the dot-separated field paths that must exist, with compatible
// types, on both the contract type and the original.
type Contract interface {
	// Type is the local (contract) struct type.
	Type() reflect.Type
	// Module names the module owning the original type. Empty skips validation.
	Module() string
	Required() []string
}

// ContractOf is the default Contract implementation for *T.
type ContractOf[T any] struct {
	typ      reflect.Type
	module   string
	required []string
}

var _ Contract = (*ContractOf[struct{}])(nil)

// NewContract requires every field of T, recursively into nested structs.
// The origin module defaults to the MessageAttribute declared by T.
func NewContract[T any]() *ContractOf[T] {
	c := &ContractOf[T]{typ: structType(reflect.TypeFor[T]())}
	if attr, ok := attributeOf(c.typ); ok && attr.Enabled {
		c.module = attr.Module
	}
	return c.RequireAll()
}

func (c *ContractOf[T]) Type() reflect.Type { return c.typ }
func (c *ContractOf[T]) Module() string     { return c.module }

func (c *ContractOf[T]) Required() []string {
	return slices.Clone(c.required)
}

// From sets the module owning the original type.
func (c *ContractOf[T]) From(module string) *ContractOf[T] {
	c.module = module
	return c
}

// Require adds field paths such as "Address.City".
func (c *ContractOf[T]) Require(paths ...string) *ContractOf[T] {
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p != "" && !slices.Contains(c.required, p) {
			c.required = append(c.required, p)
		}
	}
	return c
}

// Ignore removes field paths. Nested paths below an ignored one are kept.
func (c *ContractOf[T]) Ignore(paths ...string) *ContractOf[T] {
	c.required = slices.DeleteFunc(c.required, func(p string) bool {
		return slices.Contains(paths, p)
	})
	return c
}

// IgnoreAll clears every requirement.
func (c *ContractOf[T]) IgnoreAll() *ContractOf[T] {
	c.required = c.required[:0]
	return c
}

// RequireAll requires every exported field of T, recursing into struct fields.
func (c *ContractOf[T]) RequireAll() *ContractOf[T] {
	c.requireAll(c.typ, "", map[reflect.Type]bool{})
	return c
}

func (c *ContractOf[T]) requireAll(t reflect.Type, parent string, seen map[reflect.Type]bool) {
	if t == nil || t.Kind() != reflect.Struct || seen[t] {
		return
	}
	seen[t] = true
	defer delete(seen, t)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		ft := f.Type
		for ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}
		// promoted fields
		if f.Anonymous && ft.Kind() == reflect.Struct {
			c.requireAll(ft, parent, seen)
			continue
		}
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if parent != "" {
			name = parent + "." + name
		}
		c.Require(name)
		if ft.Kind() == reflect.Struct {
			c.requireAll(ft, name, seen)
		}
	}
}
