package image

import (
	"github.com/wippyai/wasm-influence/errors"
)

// funcRemap maps an old function index to its new index.
type funcRemap func(uint32) uint32

// exprWalker copies an instruction stream, re-encoding only function index
// immediates. Every other byte range is copied verbatim, so a walk with an
// identity remap reproduces its input exactly.
type exprWalker struct {
	r     *reader
	out   []byte
	mark  int
	remap funcRemap
}

func newExprWalker(data []byte, base int, out []byte, remap funcRemap) *exprWalker {
	return &exprWalker{r: newReader(data, base), out: out, remap: remap}
}

// funcIdx replaces the u32 at the current position with its remapped value.
func (w *exprWalker) funcIdx() error {
	w.out = append(w.out, w.r.data[w.mark:w.r.pos]...)
	idx, err := w.r.u32()
	if err != nil {
		return err
	}
	w.out = AppendU32(w.out, w.remap(idx))
	w.mark = w.r.pos
	return nil
}

func (w *exprWalker) flush() []byte {
	w.out = append(w.out, w.r.data[w.mark:w.r.pos]...)
	w.mark = w.r.pos
	return w.out
}

// body walks instructions to the end of the data.
func (w *exprWalker) body() error {
	for !w.r.eof() {
		if _, err := w.instr(); err != nil {
			return w.r.wrap("code section", err)
		}
	}
	return nil
}

// constExpr walks one constant expression up to and including its end.
func (w *exprWalker) constExpr() error {
	depth := 0
	for {
		op, err := w.instr()
		if err != nil {
			return w.r.wrap("constant expression", err)
		}
		switch op {
		case opBlock, opLoop, opIf, opTry, opTryTable:
			depth++
		case opEnd:
			if depth == 0 {
				return nil
			}
			depth--
		}
	}
}

func (w *exprWalker) u32s(n int) error {
	for i := 0; i < n; i++ {
		if _, err := w.r.u32(); err != nil {
			return err
		}
	}
	return nil
}

func (w *exprWalker) memArg() error {
	align, err := w.r.u32()
	if err != nil {
		return err
	}
	if align&memArgMultiMemFlag != 0 {
		if _, err := w.r.u32(); err != nil {
			return err
		}
	}
	_, err = w.r.u64()
	return err
}

// instr walks a single instruction and returns its opcode.
func (w *exprWalker) instr() (byte, error) {
	r := w.r
	op, err := r.readByte()
	if err != nil {
		return 0, err
	}

	switch {
	case op == opCall || op == opReturnCall || op == opRefFunc:
		return op, w.funcIdx()

	case op == opBlock || op == opLoop || op == opIf || op == opTry:
		_, err = r.s64()

	case op == opTryTable:
		err = w.tryTable()

	case op == opCatch || op == opThrow || op == opRethrow || op == opDelegate,
		op == opBr || op == opBrIf || op == opBrOnNull || op == opBrOnNonNull,
		op == opCallRef || op == opReturnCallRef,
		op == opLocalGet || op == opLocalSet || op == opLocalTee,
		op == opGlobalGet || op == opGlobalSet,
		op == opTableGet || op == opTableSet,
		op == opMemorySize || op == opMemoryGrow,
		op == opI32Const:
		// Single LEB immediate. i32.const is signed but has the same length.
		_, err = r.u64()

	case op == opI64Const:
		_, err = r.s64()

	case op == opF32Const:
		err = r.skip(4)

	case op == opF64Const:
		err = r.skip(8)

	case op == opBrTable:
		var n uint32
		if n, err = r.u32(); err == nil {
			err = w.u32s(int(n) + 1)
		}

	case op == opCallIndirect || op == opReturnCallIndirect:
		err = w.u32s(2)

	case op >= opI32Load && op <= opI64Store32:
		err = w.memArg()

	case op == opRefNull:
		_, err = r.s64()

	case op == opSelectType:
		var n uint32
		if n, err = r.u32(); err == nil {
			for i := uint32(0); i < n && err == nil; i++ {
				_, _, err = readValType(r)
			}
		}

	case op == opUnreachable || op == 0x01 || op == opElse || op == opEnd,
		op == opReturn || op == opDrop || op == opSelect || op == opCatchAll || op == opThrowRef,
		op == opRefIsNull || op == opRefAsNonNull || op == opRefEq,
		op >= opI32Eqz && op <= opI64Extend32S:
		// no immediates

	case op == opPrefixMisc:
		err = w.misc()

	case op == opPrefixSIMD:
		err = w.simd()

	case op == opPrefixAtomic:
		var sub uint32
		if sub, err = r.u32(); err == nil {
			if sub == atomicFence {
				_, err = r.readByte()
			} else {
				err = w.memArg()
			}
		}

	case op == opPrefixGC:
		return op, errors.Unsupported(errors.PhasePatch, "GC instructions")

	default:
		return op, errors.InvalidData(errors.PhasePatch, "unknown opcode 0x%02x", op)
	}
	return op, err
}

func (w *exprWalker) tryTable() error {
	r := w.r
	if _, err := r.s64(); err != nil {
		return err
	}
	n, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		kind, err := r.readByte()
		if err != nil {
			return err
		}
		if kind == catchTag || kind == catchTagRef {
			if _, err := r.u32(); err != nil {
				return err
			}
		}
		if _, err := r.u32(); err != nil {
			return err
		}
	}
	return nil
}

func (w *exprWalker) misc() error {
	sub, err := w.r.u32()
	if err != nil {
		return err
	}
	switch {
	case sub <= 7: // trunc_sat
		return nil
	case sub == 9 || sub == 11 || sub == 13 || (sub >= 15 && sub <= 18):
		// data.drop, memory.fill, elem.drop, table.grow/size/fill, memory.discard
		return w.u32s(1)
	case sub == 8 || sub == 10 || sub == 12 || sub == 14:
		// memory.init, memory.copy, table.init, table.copy
		return w.u32s(2)
	default:
		return errors.InvalidData(errors.PhasePatch, "unknown 0xFC sub-opcode %d", sub)
	}
}

func (w *exprWalker) simd() error {
	r := w.r
	sub, err := r.u32()
	if err != nil {
		return err
	}
	switch {
	case sub <= simdLoadStoreLast, sub == simdLoad32Zero || sub == simdLoad64Zero:
		return w.memArg()
	case sub == simdConst || sub == simdShuffle:
		return r.skip(16)
	case sub >= simdLaneFirst && sub <= simdLaneLast:
		return r.skip(1)
	case sub >= simdMemLaneFirst && sub <= simdMemLaneLast:
		if err := w.memArg(); err != nil {
			return err
		}
		return r.skip(1)
	default:
		return nil
	}
}

// rewriteBody remaps function indices in one code body (locals included).
func rewriteBody(out, body []byte, base int, remap funcRemap) ([]byte, error) {
	r := newReader(body, base)
	if err := skipLocals(r); err != nil {
		return nil, r.wrap("code section", err)
	}
	out = append(out, body[:r.pos]...)
	w := newExprWalker(body[r.pos:], base+r.pos, out, remap)
	if err := w.body(); err != nil {
		return nil, err
	}
	return w.flush(), nil
}

func skipLocals(r *reader) error {
	groups, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < groups; i++ {
		if _, err := r.u32(); err != nil {
			return err
		}
		if _, _, err := readValType(r); err != nil {
			return err
		}
	}
	return nil
}
