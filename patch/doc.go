// Package patch instruments constructors in module images.
//
// Splice is the pure image transformation. Patcher wraps it with the side
// effects: it picks the source image (registered substitute first, then the
// installed image), validates and binds the external routine in the host
// table, writes the result to a uniquely named file and records it in the
// registry so resolvers load it in place of the original.
package patch
