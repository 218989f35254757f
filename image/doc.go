// Package image reads and edits WebAssembly core module images.
//
// An image declares types through its function names: every function named
// "Namespace.Type::member", either in the name section or as an export,
// belongs to that type. Members named ".ctor" (or ".ctor(...)" for
// overloads) are constructors that return an instance handle.
//
// The module identity is read from the "influence.identity" custom section
// and falls back to the name section module name.
//
// Parse keeps every section as raw bytes. Editor appends function imports,
// shifts defined function indices everywhere they are referenced, and can
// prepend calls to function bodies. Sections without function references
// are written back unchanged.
package image
