// Package errors provides structured error types for wasm-influence.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the module identity, type and member names, the file
// path involved and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhasePatch, errors.KindInvalidData).
//		Module("TestLibrary, Version=1.0.0, Culture=neutral, PublicKeyToken=null").
//		Type("TestLibrary.LibraryToBeModified").
//		Detail("constructor body is empty").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.TypeNotFound(errors.PhasePatch, module, "TestLibrary.Missing")
//	err := errors.ConstructorNotFound(module, "TestLibrary.Helpers")
//
// Kind-only sentinels match regardless of phase:
//
//	if errors.Is(err, errors.ErrTypeNotFound) { ... }
package errors
