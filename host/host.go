package host

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-influence/errors"
)

// Host lets an external choose the namespace its methods are imported
// under. Externals that do not implement it use their Go type path.
type Host interface {
	Namespace() string
}

var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()

// Namespace returns the host namespace of external.
func Namespace(external any) (string, error) {
	if external == nil {
		return "", errors.InvalidInput(errors.PhaseHost, "external cannot be nil")
	}
	if h, ok := external.(Host); ok {
		ns := h.Namespace()
		if ns == "" {
			return "", errors.InvalidInput(errors.PhaseHost, "namespace cannot be empty")
		}
		return ns, nil
	}
	return TypeName(external), nil
}

// TypeName returns "pkgpath.Name" for the dereferenced type of v.
func TypeName(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "<nil>"
	}
	if t.Name() == "" || t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// method is a bound zero-argument method.
type method struct {
	fn      reflect.Value
	withCtx bool
}

func (m method) call(ctx context.Context) {
	if m.withCtx {
		m.fn.Call([]reflect.Value{reflect.ValueOf(ctx)})
		return
	}
	m.fn.Call(nil)
}

type binding struct {
	receiver any
	methods  map[string]method
}

// Table maps host namespaces to bound receivers. Bound methods are exposed
// to modules as wazero host functions.
type Table struct {
	bindings map[string]*binding
	logger   *zap.Logger
	mu       sync.RWMutex
}

var (
	defaultTable     *Table
	defaultTableOnce sync.Once
)

// Default returns the process-wide table used by the default resolution
// pipeline.
func Default() *Table {
	defaultTableOnce.Do(func() {
		defaultTable = NewTable(nil)
	})
	return defaultTable
}

// NewTable creates an empty table. A nil logger uses the package logger.
func NewTable(logger *zap.Logger) *Table {
	if logger == nil {
		logger = Logger()
	}
	return &Table{
		bindings: make(map[string]*binding),
		logger:   logger,
	}
}

// Validate checks that external has an exported method callable without
// arguments and returns its namespace. Nothing is recorded.
func (t *Table) Validate(external any, name string) (string, error) {
	ns, err := Namespace(external)
	if err != nil {
		return "", err
	}
	if _, err := lookupMethod(external, name); err != nil {
		return "", err
	}
	return ns, nil
}

func lookupMethod(external any, name string) (method, error) {
	goType := TypeName(external)
	if name == "" {
		return method{}, errors.InvalidInput(errors.PhaseHost, "method name cannot be empty")
	}
	fn := reflect.ValueOf(external).MethodByName(name)
	if !fn.IsValid() {
		return method{}, errors.MethodNotFound(goType, name)
	}
	ft := fn.Type()
	switch {
	case ft.NumOut() != 0 || ft.IsVariadic():
		return method{}, errors.Signature(goType, name, ft.String())
	case ft.NumIn() == 0:
		return method{fn: fn}, nil
	case ft.NumIn() == 1 && ft.In(0) == contextType:
		return method{fn: fn, withCtx: true}, nil
	default:
		return method{}, errors.Signature(goType, name, ft.String())
	}
}

// Bind validates and records method name of external. Binding a different
// receiver to a namespace replaces the previous receiver and its methods.
func (t *Table) Bind(external any, name string) (string, error) {
	ns, err := Namespace(external)
	if err != nil {
		return "", err
	}
	m, err := lookupMethod(external, name)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.bindings[ns]
	if b == nil || !sameReceiver(b.receiver, external) {
		if b != nil {
			t.logger.Debug("replacing host receiver",
				zap.String("namespace", ns),
				zap.String("previous", TypeName(b.receiver)))
		}
		b = &binding{receiver: external, methods: make(map[string]method)}
		t.bindings[ns] = b
	}
	b.methods[name] = m
	t.logger.Debug("bound host method", zap.String("namespace", ns), zap.String("method", name))
	return ns, nil
}

func sameReceiver(a, b any) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// Has reports whether anything is bound under namespace.
func (t *Table) Has(namespace string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.bindings[namespace]
	return ok
}

// Namespaces returns the bound namespaces in sorted order.
func (t *Table) Namespaces() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.bindings))
	for ns := range t.bindings {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Methods returns the methods bound under namespace in sorted order.
func (t *Table) Methods(namespace string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b := t.bindings[namespace]
	if b == nil {
		return nil
	}
	out := make([]string, 0, len(b.methods))
	for name := range b.methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// dispatch calls the method currently bound under (namespace, name).
func (t *Table) dispatch(ctx context.Context, namespace, name string) {
	t.mu.RLock()
	b := t.bindings[namespace]
	var m method
	var ok bool
	if b != nil {
		m, ok = b.methods[name]
	}
	t.mu.RUnlock()
	if !ok {
		// The receiver was replaced by one without this method.
		t.logger.Warn("host method no longer bound",
			zap.String("namespace", namespace), zap.String("method", name))
		return
	}
	m.call(ctx)
}

// Instantiate exposes namespace as a host module in r. The module is
// created once per runtime; later calls return the existing instance.
// Calls always reach the receiver bound at call time.
//
// The exported method set is fixed when the module is created. Methods
// bound to namespace afterwards are absent from r, so modules importing
// them fail to link there with a missing import. Use a fresh runtime, as
// the isolated resolver does, to see them.
//
// Host modules forbid ExportedFunction. Use ExportedFunctionDefinitions to
// inspect the result.
func (t *Table) Instantiate(ctx context.Context, r wazero.Runtime, namespace string) (api.Module, error) {
	if mod := r.Module(namespace); mod != nil {
		t.warnStale(mod, namespace)
		return mod, nil
	}

	methods := t.Methods(namespace)
	if len(methods) == 0 {
		return nil, errors.NotFound(errors.PhaseHost, "host namespace", namespace)
	}

	builder := r.NewHostModuleBuilder(namespace)
	for _, name := range methods {
		builder.NewFunctionBuilder().
			WithGoFunction(api.GoFunc(func(ctx context.Context, _ []uint64) {
				t.dispatch(ctx, namespace, name)
			}), nil, nil).
			WithName(name).
			Export(name)
	}

	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, errors.New(errors.PhaseHost, errors.KindInstantiation).
			Module(namespace).
			Cause(err).
			Detail("instantiate host module").
			Build()
	}
	t.logger.Debug("instantiated host module",
		zap.String("namespace", namespace), zap.Strings("methods", methods))
	if same := r.Module(namespace); same != nil {
		return same, nil
	}
	return mod, nil
}

func (t *Table) warnStale(mod api.Module, namespace string) {
	defs := mod.ExportedFunctionDefinitions()
	var absent []string
	for _, name := range t.Methods(namespace) {
		if _, ok := defs[name]; !ok {
			absent = append(absent, name)
		}
	}
	if len(absent) > 0 {
		t.logger.Warn("host module predates bound methods",
			zap.String("namespace", namespace), zap.Strings("absent", absent))
	}
}
