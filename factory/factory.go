// Package factory constructs instances of module types.
//
// Instantiate always goes through a fresh isolated resolver, so a type
// whose module has a registered substitute is constructed from the patched
// image. Construct builds an instance from a module that was already
// resolved by other means, such as the ambient pipeline.
package factory

import (
	"context"

	"github.com/wippyai/wasm-influence/errors"
	"github.com/wippyai/wasm-influence/image"
	"github.com/wippyai/wasm-influence/registry"
	"github.com/wippyai/wasm-influence/resolve"
)

// Object is a constructed instance. The concrete type behind it is decided
// at load time, so callers work with it only through this interface.
type Object interface {
	// TypeName is the fully-qualified name of the instance type.
	TypeName() string
	// Module is the module the instance lives in.
	Module() *resolve.Module
	// Handle is the value returned by the constructor, zero if it
	// returned nothing.
	Handle() uint32
	// Substituted reports whether the module came from a patched image.
	Substituted() bool
	// Invoke calls Type::member. The handle is passed as the first
	// argument when the member takes one more parameter than given.
	Invoke(ctx context.Context, member string, args ...uint64) ([]uint64, error)
	// Close releases resources owned by the instance.
	Close(ctx context.Context) error
}

// Config configures a Factory.
type Config struct {
	Registry *registry.Registry
	Options  *resolve.Options
}

// Factory instantiates types through isolated resolvers.
type Factory struct {
	registry *registry.Registry
	opts     *resolve.Options
}

// New creates a Factory. A nil registry uses registry.Default.
func New(cfg *Config) *Factory {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.Registry == nil {
		c.Registry = registry.Default()
	}
	return &Factory{registry: c.Registry, opts: c.Options}
}

// Instantiate resolves the module declaring ref in a new isolated resolver
// and constructs the type: its parameterless constructor when it has one,
// otherwise the first exported constructor with zero-valued arguments.
// Closing the object disposes the resolver.
func (f *Factory) Instantiate(ctx context.Context, ref image.TypeRef) (Object, error) {
	iso := resolve.NewIsolated(ctx, f.registry, f.opts)

	m, err := iso.Load(ctx, ref.Module)
	if err != nil {
		_ = iso.Close(ctx)
		return nil, err
	}
	obj, err := construct(ctx, m, ref.Name)
	if err != nil {
		_ = iso.Close(ctx)
		return nil, err
	}
	obj.closer = iso.Close
	return obj, nil
}

// Construct constructs typeName in m the same way Instantiate does. The
// returned object does not own m.
func Construct(ctx context.Context, m *resolve.Module, typeName string) (Object, error) {
	return construct(ctx, m, typeName)
}

func construct(ctx context.Context, m *resolve.Module, typeName string) (*object, error) {
	key := m.Identity.String()
	info, ok := m.Type(typeName)
	if !ok {
		return nil, errors.TypeNotFound(errors.PhaseInstantiate, key, typeName)
	}
	ctor, ok := pickConstructor(m, info)
	if !ok {
		return nil, errors.New(errors.PhaseInstantiate, errors.KindConstructorNotFound).
			Module(key).
			Type(typeName).
			Detail("no exported constructor").
			Build()
	}

	fn := m.Instance.ExportedFunction(ctor.Export)
	if fn == nil {
		return nil, errors.New(errors.PhaseInstantiate, errors.KindConstructorNotFound).
			Module(key).
			Type(typeName).
			Member(ctor.Name).
			Detail("constructor export %q missing from instance", ctor.Export).
			Build()
	}

	def := fn.Definition()
	args := make([]uint64, len(def.ParamTypes()))
	res, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, errors.New(errors.PhaseInstantiate, errors.KindInstantiation).
			Module(key).
			Type(typeName).
			Member(ctor.Name).
			Cause(err).
			Detail("constructor trapped").
			Build()
	}

	obj := &object{typeName: typeName, module: m, info: info}
	if len(res) > 0 {
		obj.handle = uint32(res[0])
		obj.hasHandle = true
	}
	return obj, nil
}

// pickConstructor returns the first exported constructor taking no
// parameters, or the first exported constructor when every one takes some.
func pickConstructor(m *resolve.Module, info *image.TypeInfo) (image.Member, bool) {
	var first image.Member
	found := false
	for _, c := range info.Constructors() {
		if c.Export == "" {
			continue
		}
		if ft, ok := m.Image.FuncType(c.FuncIdx); ok && len(ft.Params) == 0 {
			return c, true
		}
		if !found {
			first, found = c, true
		}
	}
	return first, found
}

type object struct {
	typeName  string
	module    *resolve.Module
	info      *image.TypeInfo
	handle    uint32
	hasHandle bool
	closer    func(context.Context) error
}

func (o *object) TypeName() string { return o.typeName }
func (o *object) Module() *resolve.Module { return o.module }
func (o *object) Handle() uint32 { return o.handle }
func (o *object) Substituted() bool { return o.module.Substituted }

func (o *object) Invoke(ctx context.Context, member string, args ...uint64) ([]uint64, error) {
	key := o.module.Identity.String()
	mem, ok := o.info.Member(member)
	if !ok || mem.Export == "" {
		return nil, errors.New(errors.PhaseInstantiate, errors.KindNotFound).
			Module(key).
			Type(o.typeName).
			Member(member).
			Detail("member not exported").
			Build()
	}
	fn := o.module.Instance.ExportedFunction(mem.Export)
	if fn == nil {
		return nil, errors.New(errors.PhaseInstantiate, errors.KindNotFound).
			Module(key).
			Type(o.typeName).
			Member(member).
			Detail("member export missing from instance").
			Build()
	}
	if o.hasHandle && len(fn.Definition().ParamTypes()) == len(args)+1 {
		args = append([]uint64{uint64(o.handle)}, args...)
	}
	res, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, errors.New(errors.PhaseInstantiate, errors.KindInstantiation).
			Module(key).
			Type(o.typeName).
			Member(member).
			Cause(err).
			Detail("call failed").
			Build()
	}
	return res, nil
}

func (o *object) Close(ctx context.Context) error {
	if o.closer == nil {
		return nil
	}
	closer := o.closer
	o.closer = nil
	return closer(ctx)
}
