package xmod

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/iancoleman/strcase"
)

var (
	ErrContract                    = errors.New("xmod: contract violation")
	ErrRouting                     = errors.New("xmod: routing failed")
	ErrRegistrySealed              = errors.New("xmod: registry is sealed")
	ErrOutboxNotRegistered         = errors.New("xmod: outbox not registered")
	ErrHandlerNotFound             = errors.New("xmod: handler not found")
	ErrDuplicateHandler            = errors.New("xmod: handler already registered")
	ErrInvalidMessage              = errors.New("xmod: message must be a non-nil pointer to a struct")
	ErrDispatcherClosed            = errors.New("xmod: dispatcher closed")
	ErrAppClosed                   = errors.New("xmod: app closed")
	ErrObserverPoolShutdownTimeout = errors.New("xmod: observer pool shutdown timeout")
	ErrHandlerPanic                = errors.New("xmod: handler panic")
)

// ErrUnknownCodec is returned by NewCodec for unregistered names.
type ErrUnknownCodec struct{ name string }

func (e ErrUnknownCodec) Error() string { return fmt.Sprintf("unknown codec: %s", e.name) }

// ErrUnknownStore is returned by NewStore for unregistered adapters.
type ErrUnknownStore struct{ name string }

func (e ErrUnknownStore) Error() string { return fmt.Sprintf("unknown store: %s", e.name) }

// ContractError is a startup-fatal mismatch between module boundaries.
type ContractError struct {
	Message string
}

func (e *ContractError) Error() string { return e.Message }

func (e *ContractError) Is(target error) bool { return target == ErrContract }

func contractErrorf(format string, args ...any) error {
	return &ContractError{Message: fmt.Sprintf(format, args...)}
}

// RoutingError reports a directed call to a path nobody handles.
type RoutingError struct {
	Path string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no action has been defined for path: '%s'", e.Path)
}

func (e *RoutingError) Is(target error) bool { return target == ErrRouting }

// Coder lets an error choose its own code.
type Coder interface {
	Code() string
}

// ErrorCode maps err to a stable snake_case code: the type name of the first typed
// exported error type in the chain without its "Error" suffix ("ContractError" -> "contract").
// Untyped errors map to "error".
func ErrorCode(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if c, ok := e.(Coder); ok && c.Code() != "" {
			return c.Code()
		}
		t := reflect.TypeOf(e)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		name := t.Name()
		if name == "" || !unicode.IsUpper(rune(name[0])) {
			continue
		}
		if strings.HasSuffix(name, "Error") && name != "Error" {
			return strcase.ToSnake(strings.TrimSuffix(name, "Error"))
		}
		if strings.HasPrefix(name, "Err") && len(name) > 3 {
			return strcase.ToSnake(strings.TrimPrefix(name, "Err"))
		}
	}
	return "error"
}
