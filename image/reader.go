package image

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	errTruncated = errors.New("unexpected end of data")
	errOverflow  = errors.New("leb128: overflow")
)

// ParseError represents an error during binary parsing with position information.
type ParseError struct {
	Err      error
	Section  string
	Position int
}

func (e *ParseError) Error() string {
	if e.Section != "" {
		return fmt.Sprintf("wasm: %s at position %d: %v", e.Section, e.Position, e.Err)
	}
	return fmt.Sprintf("wasm: at position %d: %v", e.Position, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// reader walks a byte slice. Positions are offsets into data so callers can
// copy untouched byte ranges verbatim.
type reader struct {
	data []byte
	pos  int
	// base is added to positions in errors so nested readers report
	// offsets relative to the whole image.
	base int
}

func newReader(data []byte, base int) *reader {
	return &reader{data: data, base: base}
}

func (r *reader) eof() bool {
	return r.pos >= len(r.data)
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, errTruncated
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) peek() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, errTruncated
	}
	return r.data[r.pos], nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, errTruncated
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) skip(n int) error {
	_, err := r.bytes(n)
	return err
}

func (r *reader) u32() (uint32, error) {
	var result uint32
	var shift uint
	for {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, errOverflow
		}
	}
}

func (r *reader) u64() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 70 {
			return 0, errOverflow
		}
	}
}

func (r *reader) s64() (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.readByte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift >= 70 {
			return 0, errOverflow
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= ^int64(0) << shift
	}
	return result, nil
}

func (r *reader) name() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", errors.New("invalid UTF-8 in name")
	}
	return string(b), nil
}

// wrap attaches the section and absolute position to err.
func (r *reader) wrap(section string, err error) error {
	var pe *ParseError
	if errors.As(err, &pe) {
		return err
	}
	return &ParseError{
		Err:      err,
		Section:  section,
		Position: r.base + r.pos,
	}
}

// vecLen reads a vector length. Every element takes at least one byte, so
// longer vectors are truncated.
func (r *reader) vecLen() (uint32, error) {
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	if int(n) > r.remaining() {
		return 0, errTruncated
	}
	return n, nil
}
