package resolve

import (
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-influence/host"
	"github.com/wippyai/wasm-influence/identity"
	"github.com/wippyai/wasm-influence/image"
	"github.com/wippyai/wasm-influence/registry"
)

// Module is a resolved and instantiated module.
type Module struct {
	Identity identity.Identity
	Path     string
	Image    *image.Module
	Instance api.Module
	// Substituted is set when Path came from the registry or a hook
	// rather than the module's installed location.
	Substituted bool
}

// Type looks up a type declared by the module.
func (m *Module) Type(name string) (*image.TypeInfo, bool) {
	return m.Image.LookupType(name)
}

// Hook is consulted with an identity the default locations could not
// satisfy. ok=false means "unresolved" and is never an error.
type Hook func(id identity.Identity) (path string, ok bool)

// RegistryHook returns the lookup shared by both resolver variants: a hit
// yields the substitute path, a miss reports unresolved. Lookups are logged
// at debug level to logger, or to the package logger when nil.
func RegistryHook(reg *registry.Registry, logger *zap.Logger) Hook {
	if logger == nil {
		logger = Logger()
	}
	return func(id identity.Identity) (string, bool) {
		key := id.String()
		p, ok := reg.Lookup(key)
		if ok {
			logger.Debug("registry hit", zap.String("identity", key), zap.String("path", p))
		} else {
			logger.Debug("registry miss", zap.String("identity", key))
		}
		return p, ok
	}
}

// Options configures resolvers. Nil fields use the process-wide defaults.
type Options struct {
	Locator Locator
	Hosts   *host.Table
	Logger  *zap.Logger
	// MemoryLimitPages caps linear memory of every module in the runtime.
	// Zero keeps the wazero default.
	MemoryLimitPages uint32
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Locator == nil {
		out.Locator = DefaultCatalog()
	}
	if out.Hosts == nil {
		out.Hosts = host.Default()
	}
	if out.Logger == nil {
		out.Logger = Logger()
	}
	return out
}

func (o Options) runtimeConfig() wazero.RuntimeConfig {
	cfg := wazero.NewRuntimeConfig()
	if o.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(o.MemoryLimitPages)
	}
	return cfg
}
