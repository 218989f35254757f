// Package fixture provides the sample modules used by tests, the CLI demo
// and the example program.
//
// TestLibrary declares TestLibrary.LibraryToBeModified, whose constructor
// is the usual patch target, and TestLibrary.Helpers, which has no
// constructor. LibraryUser imports the library constructor by identity and
// calls it twice from its own constructor.
package fixture

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/wippyai/wasm-influence/errors"
	"github.com/wippyai/wasm-influence/identity"
	"github.com/wippyai/wasm-influence/image"
)

// Type names declared by the fixtures.
const (
	LibraryType = "TestLibrary.LibraryToBeModified"
	HelpersType = "TestLibrary.Helpers"
	UserType    = "LibraryUser.UserOfTheLibrary"
)

// Image file names written by WriteImages.
const (
	LibraryFile = "TestLibrary.wasm"
	UserFile    = "LibraryUser.wasm"
)

var (
	LibraryIdentity = identity.MustNew("TestLibrary", "1.0.0")
	UserIdentity    = identity.MustNew("LibraryUser", "1.0.0")
)

// initialValue is what the parameterless constructor stores in an instance.
const initialValue = 42

// LibraryImage builds the TestLibrary image.
//
// Instances are i32 handles. Each handle owns one i32 slot in linear memory
// at handle*4; Value reads it and Describe reaches Value through the table.
func LibraryImage() []byte {
	b := image.NewBuilder().SetIdentity(LibraryIdentity)
	b.Memory(1, "memory")
	last := b.Global(image.I32, true, 0)

	i32 := []image.ValType{image.I32}

	next := b.Func(image.QualifiedName(HelpersType, "Next"), nil, i32, nil,
		image.NewCode().
			GlobalGet(last).I32Const(1).I32Add().GlobalSet(last).
			GlobalGet(last))

	ctor := b.Func(image.QualifiedName(LibraryType, ".ctor"), nil, i32, i32,
		image.NewCode().
			Call(next).LocalTee(0).
			I32Const(4).I32Mul().I32Const(initialValue).I32Store(0).
			LocalGet(0))

	ctorWith := b.Func(image.QualifiedName(LibraryType, ".ctor(i32)"), i32, i32, i32,
		image.NewCode().
			Call(next).LocalTee(1).
			I32Const(4).I32Mul().LocalGet(0).I32Store(0).
			LocalGet(1))

	value := b.Func(image.QualifiedName(LibraryType, "Value"), i32, i32, nil,
		image.NewCode().LocalGet(0).I32Const(4).I32Mul().I32Load(0))

	describe := b.Func(image.QualifiedName(LibraryType, "Describe"), i32, i32, nil,
		image.NewCode().LocalGet(0).I32Const(0).CallIndirect(b.TypeIndex(i32, i32)))

	count := b.Func(image.QualifiedName(HelpersType, "Count"), nil, i32, nil,
		image.NewCode().GlobalGet(last))

	b.Table(value)
	b.ExportMember(LibraryType, ".ctor", ctor)
	b.ExportMember(LibraryType, ".ctor(i32)", ctorWith)
	b.ExportMember(LibraryType, "Value", value)
	b.ExportMember(LibraryType, "Describe", describe)
	b.ExportMember(HelpersType, "Next", next)
	b.ExportMember(HelpersType, "Count", count)
	return b.Bytes()
}

// UserImage builds the LibraryUser image. Its constructor constructs two
// library instances and keeps the second handle.
func UserImage() []byte {
	b := image.NewBuilder().SetIdentity(UserIdentity)
	i32 := []image.ValType{image.I32}

	libCtor := b.ImportFunc(LibraryIdentity.String(), image.QualifiedName(LibraryType, ".ctor"), nil, i32)
	b.Memory(1, "")
	last := b.Global(image.I32, true, 0)

	ctor := b.Func(image.QualifiedName(UserType, ".ctor"), nil, i32, i32,
		image.NewCode().
			GlobalGet(last).I32Const(1).I32Add().LocalTee(0).GlobalSet(last).
			LocalGet(0).I32Const(4).I32Mul().
			Call(libCtor).Drop().
			Call(libCtor).
			I32Store(0).
			LocalGet(0))

	library := b.Func(image.QualifiedName(UserType, "Library"), i32, i32, nil,
		image.NewCode().LocalGet(0).I32Const(4).I32Mul().I32Load(0))

	b.ExportMember(UserType, ".ctor", ctor)
	b.ExportMember(UserType, "Library", library)
	return b.Bytes()
}

// Paths are the locations of the images written by WriteImages.
type Paths struct {
	Library string
	User    string
}

// WriteImages writes both fixture images into dir.
func WriteImages(dir string) (Paths, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Paths{}, errors.IO(errors.PhaseLoad, dir, err)
	}
	p := Paths{
		Library: filepath.Join(dir, LibraryFile),
		User:    filepath.Join(dir, UserFile),
	}
	if err := os.WriteFile(p.Library, LibraryImage(), 0o644); err != nil {
		return Paths{}, errors.IO(errors.PhaseLoad, p.Library, err)
	}
	if err := os.WriteFile(p.User, UserImage(), 0o644); err != nil {
		return Paths{}, errors.IO(errors.PhaseLoad, p.User, err)
	}
	return p, nil
}

// LibraryToBeModified declares TestLibrary.LibraryToBeModified.
type LibraryToBeModified struct{}

func (LibraryToBeModified) TypeRef() image.TypeRef {
	return image.TypeRef{Module: LibraryIdentity, Name: LibraryType}
}

// Helpers declares TestLibrary.Helpers.
type Helpers struct{}

func (Helpers) TypeRef() image.TypeRef {
	return image.TypeRef{Module: LibraryIdentity, Name: HelpersType}
}

// UserOfTheLibrary declares LibraryUser.UserOfTheLibrary.
type UserOfTheLibrary struct{}

func (UserOfTheLibrary) TypeRef() image.TypeRef {
	return image.TypeRef{Module: UserIdentity, Name: UserType}
}

// Counter counts calls to AddCounter. It is the usual external routine
// spliced into constructors.
type Counter struct {
	n atomic.Int64
}

// AddCounter increments the counter.
func (c *Counter) AddCounter() {
	c.n.Add(1)
}

// Count returns the number of AddCounter calls.
func (c *Counter) Count() int64 {
	return c.n.Load()
}

// Reset sets the counter back to zero.
func (c *Counter) Reset() {
	c.n.Store(0)
}
