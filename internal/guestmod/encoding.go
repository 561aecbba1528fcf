package guestmod

// encodeULEB128 encodes an unsigned value in LEB128 format.
func encodeULEB128(v uint32) []byte {
	var result []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		result = append(result, b)
		if v == 0 {
			break
		}
	}
	return result
}

// encodeSLEB128 encodes a signed value in LEB128 format.
func encodeSLEB128[T int32 | int64](v T) []byte {
	var result []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			result = append(result, b)
			break
		}
		result = append(result, b|0x80)
	}
	return result
}

func encodeName(s string) []byte {
	return append(encodeULEB128(uint32(len(s))), s...)
}

// section prefixes payload with its id and size.
func section(id byte, payload []byte) []byte {
	out := []byte{id}
	out = append(out, encodeULEB128(uint32(len(payload)))...)
	return append(out, payload...)
}

// vector prefixes the concatenated items with their count.
func vector(items [][]byte) []byte {
	out := encodeULEB128(uint32(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}
