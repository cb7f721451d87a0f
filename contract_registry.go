package xmod

import (
	"reflect"
	"strings"
	"sync"

	"github.com/trickstertwo/xlog"
)

type pathContracts struct {
	request  Contract
	response Contract
}

// ContractRegistry collects contracts while modules register and validates them once at startup.
type ContractRegistry struct {
	mu        sync.Mutex
	modules   *ModuleRegistry
	logger    *xlog.Logger
	contracts []Contract
	paths     map[string]pathContracts
	order     []string
}

// NewContractRegistry creates a registry validating paths against modules.
func NewContractRegistry(modules *ModuleRegistry, logger *xlog.Logger) *ContractRegistry {
	if logger == nil {
		logger = xlog.Default()
	}
	return &ContractRegistry{
		modules: modules,
		logger:  logger,
		paths:   make(map[string]pathContracts),
	}
}

// Register records a contract to validate against its original type.
func (r *ContractRegistry) Register(c Contract) error {
	if c == nil || c.Type() == nil {
		return contractErrorf("contract cannot be nil")
	}
	r.mu.Lock()
	r.contracts = append(r.contracts, c)
	r.mu.Unlock()
	return nil
}

// RegisterPath records a path exchanging no checked contracts; the path itself must still be served.
func (r *ContractRegistry) RegisterPath(path string) error {
	return r.RegisterPathWith(path, nil, nil)
}

// RegisterPathWithRequest records a path with a request contract.
func (r *ContractRegistry) RegisterPathWithRequest(path string, request Contract) error {
	return r.RegisterPathWith(path, request, nil)
}

// RegisterPathWithResponse records a path with a response contract.
func (r *ContractRegistry) RegisterPathWithResponse(path string, response Contract) error {
	return r.RegisterPathWith(path, nil, response)
}

// RegisterPathWith records a path with request and response contracts; either may be nil.
func (r *ContractRegistry) RegisterPathWith(path string, request, response Contract) error {
	if path == "" {
		return contractErrorf("path cannot be null")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.paths[path]; ok {
		return contractErrorf("path: '%s' is already registered", path)
	}
	r.paths[path] = pathContracts{request: request, response: response}
	r.order = append(r.order, path)
	return nil
}

// Validate checks every registered contract against the original types in types,
// then checks that every registered path is served and its contracts hold.
func (r *ContractRegistry) Validate(types []TypeInfo) error {
	r.mu.Lock()
	contracts := append([]Contract(nil), r.contracts...)
	order := append([]string(nil), r.order...)
	paths := make(map[string]pathContracts, len(r.paths))
	for k, v := range r.paths {
		paths[k] = v
	}
	r.mu.Unlock()

	for _, c := range contracts {
		if err := r.validateContract(types, c, ""); err != nil {
			return err
		}
	}
	for _, path := range order {
		if _, ok := r.modules.RequestRegistration(path); !ok {
			return contractErrorf("request registration was not found for path: '%s'", path)
		}
		r.logger.Debug().Str("path", path).Msg("validating path contracts")
		pc := paths[path]
		if pc.request != nil {
			if err := r.validateContract(types, pc.request, path); err != nil {
				return err
			}
		}
		if pc.response != nil {
			if err := r.validateContract(types, pc.response, path); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *ContractRegistry) validateContract(types []TypeInfo, c Contract, path string) error {
	module := c.Module()
	if module == "" {
		return nil
	}
	local := c.Type()
	name := local.Name()
	localModule := r.modules.ModuleOf(local)

	var original reflect.Type
	for _, info := range types {
		if info.Type.Name() != name || !sameModule(info.Module, module) {
			continue
		}
		if original != nil {
			return contractErrorf("contract: '%s' is ambiguous in module: '%s'", name, module)
		}
		original = info.Type
	}
	if original == nil {
		return contractErrorf("contract: '%s' was not found in module: '%s'", name, module)
	}

	r.logger.Debug().
		Str("contract", name).
		Str("module", localModule).
		Str("original_module", module).
		Msg("validating contract")

	at := contractSite{contract: name, module: module, localModule: localModule, path: path}
	for _, field := range c.Required() {
		lf, err := at.field(local, field)
		if err != nil {
			return err
		}
		of, err := at.field(original, field)
		if err != nil {
			return err
		}
		if err := at.compare(field, lf, of); err != nil {
			return err
		}
	}
	return nil
}

// contractSite carries the coordinates used in contract error messages.
type contractSite struct {
	contract    string
	module      string
	localModule string
	path        string
}

func (s contractSite) suffix() string {
	if s.path == "" {
		return ""
	}
	return ", path: '" + s.path + "'"
}

// field resolves a dotted path, descending into struct fields and never into strings.
func (s contractSite) field(t reflect.Type, name string) (reflect.Type, error) {
	cur := t
	parts := strings.Split(name, ".")
	for i, part := range parts {
		for cur.Kind() == reflect.Pointer {
			cur = cur.Elem()
		}
		var f reflect.StructField
		ok := false
		if cur.Kind() == reflect.Struct {
			f, ok = cur.FieldByName(part)
			ok = ok && f.IsExported()
		}
		if !ok {
			return nil, contractErrorf("property: '%s' was not found in contract: '%s' (module: '%s') from module: '%s'%s",
				name, s.contract, s.localModule, s.module, s.suffix())
		}
		if f.Type.Kind() == reflect.String || i == len(parts)-1 {
			return f.Type, nil
		}
		cur = f.Type
	}
	return cur, nil
}

func (s contractSite) compare(name string, local, original reflect.Type) error {
	if local.Kind() == reflect.String && original.Kind() == reflect.String {
		return nil
	}
	if isObject(local) && isObject(original) {
		return nil
	}
	if local.Kind() == original.Kind() {
		return nil
	}
	return contractErrorf("property: '%s' in contract: '%s' (module: '%s') from module: '%s'%s, has a different type (actual: '%s', expected: '%s')",
		name, s.contract, s.localModule, s.module, s.suffix(), original, local)
}

func isObject(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Struct, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Array, reflect.Interface:
		return true
	default:
		return false
	}
}
