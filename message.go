package xmod

import (
	"reflect"
	"strings"
	"sync"

	"github.com/iancoleman/strcase"
)

// Kind classifies a message type by how it is delivered.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindCommand is directed to exactly one handler.
	KindCommand
	// KindEvent is broadcast to zero or more handlers.
	KindEvent
	// KindQuery is directed to exactly one handler and returns a result.
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	case KindQuery:
		return "query"
	default:
		return "unknown"
	}
}

// MessageAttribute is per-type message metadata. On a receiver type it names the
// module the message is accepted from.
type MessageAttribute struct {
	Module  string
	Enabled bool
}

// Attributed is implemented by message types that declare a MessageAttribute.
type Attributed interface {
	MessageAttribute() MessageAttribute
}

// ModuleNamer lets a message type name its owning module explicitly.
type ModuleNamer interface {
	ModuleName() string
}

// Message is the envelope used for outbox replay and async dispatch.
type Message struct {
	// Payload is the typed message, always a pointer to a struct.
	Payload any
	// Context carries identity and correlation for Payload.
	Context MessageContext
}

var (
	attributedType  = reflect.TypeOf((*Attributed)(nil)).Elem()
	moduleNamerType = reflect.TypeOf((*ModuleNamer)(nil)).Elem()
)

// structType returns the struct type behind v (a value, pointer or reflect.Type).
func structType(v any) reflect.Type {
	var t reflect.Type
	switch x := v.(type) {
	case nil:
		return nil
	case reflect.Type:
		t = x
	default:
		t = reflect.TypeOf(v)
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// TypeName is the simple name of the message type ("UserCreated").
func TypeName(v any) string {
	t := structType(v)
	if t == nil {
		return ""
	}
	return t.Name()
}

// FullTypeName is the fully-qualified type name ("github.com/acme/modules/users.UserCreated").
func FullTypeName(v any) string {
	t := structType(v)
	if t == nil {
		return ""
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// NameOf is the human-readable snake_case name used in logs and outbox rows.
func NameOf(v any) string {
	return strcase.ToSnake(TypeName(v))
}

// attributeOf reads the MessageAttribute declared by t, if any.
func attributeOf(t reflect.Type) (MessageAttribute, bool) {
	t = structType(t)
	if t == nil {
		return MessageAttribute{}, false
	}
	if t.Implements(attributedType) {
		return reflect.Zero(t).Interface().(Attributed).MessageAttribute(), true
	}
	pt := reflect.PointerTo(t)
	if pt.Implements(attributedType) {
		return reflect.New(t).Interface().(Attributed).MessageAttribute(), true
	}
	return MessageAttribute{}, false
}

// declaredModule reads the module declared through ModuleNamer or derives it from the package path.
func declaredModule(t reflect.Type) string {
	t = structType(t)
	if t == nil {
		return ""
	}
	if t.Implements(moduleNamerType) {
		return reflect.Zero(t).Interface().(ModuleNamer).ModuleName()
	}
	if pt := reflect.PointerTo(t); pt.Implements(moduleNamerType) {
		return reflect.New(t).Interface().(ModuleNamer).ModuleName()
	}
	return moduleFromPkgPath(t.PkgPath())
}

// moduleFromPkgPath returns the segment after "/modules/" or the last path element.
func moduleFromPkgPath(pkg string) string {
	if pkg == "" {
		return ""
	}
	if i := strings.Index(pkg, "/modules/"); i >= 0 {
		rest := pkg[i+len("/modules/"):]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			rest = rest[:j]
		}
		return strings.ToLower(rest)
	}
	if j := strings.LastIndexByte(pkg, '/'); j >= 0 {
		pkg = pkg[j+1:]
	}
	return strings.ToLower(pkg)
}

// attributeCache memoizes receiver metadata by type.
type attributeCache struct {
	m sync.Map // reflect.Type -> attributeEntry
}

type attributeEntry struct {
	attr MessageAttribute
	ok   bool
}

func (c *attributeCache) get(t reflect.Type) (MessageAttribute, bool) {
	if v, ok := c.m.Load(t); ok {
		e := v.(attributeEntry)
		return e.attr, e.ok
	}
	attr, ok := attributeOf(t)
	c.m.Store(t, attributeEntry{attr: attr, ok: ok})
	return attr, ok
}
