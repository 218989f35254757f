package image

// LEB128 encoding for WebAssembly integers. Encoders append to dst so
// section payloads can be assembled without intermediate buffers.

// AppendU32 appends v as unsigned LEB128.
func AppendU32(dst []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if v == 0 {
			return dst
		}
	}
}

// AppendS32 appends v as signed LEB128.
func AppendS32(dst []byte, v int32) []byte {
	return AppendS64(dst, int64(v))
}

// AppendS64 appends v as signed LEB128.
func AppendS64(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

// AppendName appends a length-prefixed UTF-8 name.
func AppendName(dst []byte, name string) []byte {
	dst = AppendU32(dst, uint32(len(name)))
	return append(dst, name...)
}

// DecodeU32 decodes an unsigned LEB128 value and reports the bytes consumed.
// n is 0 when data is truncated or the value overflows 32 bits.
func DecodeU32(data []byte) (v uint32, n int) {
	var shift uint
	for i, b := range data {
		if shift >= 35 {
			return 0, 0
		}
		v |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, 0
}

func appendSection(dst []byte, id byte, payload []byte) []byte {
	dst = append(dst, id)
	dst = AppendU32(dst, uint32(len(payload)))
	return append(dst, payload...)
}
