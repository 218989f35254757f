package image

// Magic is the WebAssembly binary preamble: "\0asm" followed by version 1.
var Magic = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// Section IDs
const (
	SectionCustom    byte = 0
	SectionType      byte = 1
	SectionImport    byte = 2
	SectionFunction  byte = 3
	SectionTable     byte = 4
	SectionMemory    byte = 5
	SectionGlobal    byte = 6
	SectionExport    byte = 7
	SectionStart     byte = 8
	SectionElement   byte = 9
	SectionCode      byte = 10
	SectionData      byte = 11
	SectionDataCount byte = 12
	SectionTag       byte = 13
)

// External kinds for imports and exports
const (
	KindFunc   byte = 0x00
	KindTable  byte = 0x01
	KindMemory byte = 0x02
	KindGlobal byte = 0x03
	KindTag    byte = 0x04
)

// Custom section names this package reads or writes.
const (
	NameSectionName     = "name"
	IdentitySectionName = "influence.identity"
)

// Name section subsections that index into the function space.
const (
	nameSubModule    byte = 0
	nameSubFunctions byte = 1
	nameSubLocals    byte = 2
	nameSubLabels    byte = 3
)

// Type section forms
const (
	formFunc     byte = 0x60
	formStruct   byte = 0x5F
	formArray    byte = 0x5E
	formSub      byte = 0x50
	formSubFinal byte = 0x4F
	formRec      byte = 0x4E
)

// Opcodes with immediates the walker needs to distinguish.
const (
	opUnreachable        byte = 0x00
	opBlock              byte = 0x02
	opLoop               byte = 0x03
	opIf                 byte = 0x04
	opElse               byte = 0x05
	opTry                byte = 0x06
	opCatch              byte = 0x07
	opThrow              byte = 0x08
	opRethrow            byte = 0x09
	opThrowRef           byte = 0x0A
	opEnd                byte = 0x0B
	opBr                 byte = 0x0C
	opBrIf               byte = 0x0D
	opBrTable            byte = 0x0E
	opReturn             byte = 0x0F
	opCall               byte = 0x10
	opCallIndirect       byte = 0x11
	opReturnCall         byte = 0x12
	opReturnCallIndirect byte = 0x13
	opCallRef            byte = 0x14
	opReturnCallRef      byte = 0x15
	opDelegate           byte = 0x18
	opCatchAll           byte = 0x19
	opDrop               byte = 0x1A
	opSelect             byte = 0x1B
	opSelectType         byte = 0x1C
	opTryTable           byte = 0x1F
	opLocalGet           byte = 0x20
	opLocalSet           byte = 0x21
	opLocalTee           byte = 0x22
	opGlobalGet          byte = 0x23
	opGlobalSet          byte = 0x24
	opTableGet           byte = 0x25
	opTableSet           byte = 0x26
	opI32Load            byte = 0x28
	opI64Store32         byte = 0x3E
	opMemorySize         byte = 0x3F
	opMemoryGrow         byte = 0x40
	opI32Const           byte = 0x41
	opI64Const           byte = 0x42
	opF32Const           byte = 0x43
	opF64Const           byte = 0x44
	opI32Eqz             byte = 0x45
	opI64Extend32S       byte = 0xC4
	opRefNull            byte = 0xD0
	opRefIsNull          byte = 0xD1
	opRefFunc            byte = 0xD2
	opRefAsNonNull       byte = 0xD3
	opRefEq              byte = 0xD4
	opBrOnNull           byte = 0xD5
	opBrOnNonNull        byte = 0xD6
	opPrefixGC           byte = 0xFB
	opPrefixMisc         byte = 0xFC
	opPrefixSIMD         byte = 0xFD
	opPrefixAtomic       byte = 0xFE
)

// Opcodes used by Code beyond the ones above.
const (
	opI32Store byte = 0x36
	opI32Add   byte = 0x6A
	opI32Sub   byte = 0x6B
	opI32Mul   byte = 0x6C
	opI32RemU  byte = 0x70
)

// 0xFD sub-opcode ranges
const (
	simdLoadStoreLast  = 11 // v128.load .. v128.store take a memarg
	simdConst          = 12
	simdShuffle        = 13
	simdLaneFirst      = 21 // i8x16.extract_lane_s
	simdLaneLast       = 34 // f64x2.replace_lane
	simdMemLaneFirst   = 84 // v128.load8_lane
	simdMemLaneLast    = 91 // v128.store64_lane
	simdLoad32Zero     = 92
	simdLoad64Zero     = 93
	atomicFence        = 3
	memArgMultiMemFlag = 0x40
)

// try_table catch kinds
const (
	catchTag    byte = 0x00
	catchTagRef byte = 0x01
)

// sectionOrder returns the required position of a non-custom section.
func sectionOrder(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionTag:
		return 6
	case SectionGlobal:
		return 7
	case SectionExport:
		return 8
	case SectionStart:
		return 9
	case SectionElement:
		return 10
	case SectionDataCount:
		return 11
	case SectionCode:
		return 12
	case SectionData:
		return 13
	default:
		return 0
	}
}

func sectionName(id byte) string {
	switch id {
	case SectionCustom:
		return "custom section"
	case SectionType:
		return "type section"
	case SectionImport:
		return "import section"
	case SectionFunction:
		return "function section"
	case SectionTable:
		return "table section"
	case SectionMemory:
		return "memory section"
	case SectionGlobal:
		return "global section"
	case SectionExport:
		return "export section"
	case SectionStart:
		return "start section"
	case SectionElement:
		return "element section"
	case SectionCode:
		return "code section"
	case SectionData:
		return "data section"
	case SectionDataCount:
		return "data count section"
	case SectionTag:
		return "tag section"
	default:
		return "unknown section"
	}
}
