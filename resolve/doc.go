// Package resolve loads modules by identity into wazero runtimes.
//
// Two resolvers share the same registry lookup (RegistryHook) and the same
// loader:
//
//   - Pipeline is the ambient pipeline. It serves its cache and the default
//     Locator first and consults its Resolving hooks only when those fail.
//     AttachRegistry adds the registry as such a hook.
//   - Isolated owns a fresh runtime and consults the registry for every
//     module it loads, falling back to the Locator on a miss.
//
// Imports are linked by module name: a name bound in the host table is
// served by host functions, any other name is parsed as a canonical module
// identity and resolved through the same resolver.
package resolve
