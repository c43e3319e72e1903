package s7

// SetBit returns original with the selected bit set or cleared. All other
// bits are preserved. bit is taken modulo 8.
func SetBit(original byte, bit uint8, value bool) byte {
	mask := byte(1) << (bit & 7)
	if value {
		return original | mask
	}
	return original &^ mask
}

// GetBit reports whether the selected bit of b is set.
func GetBit(b byte, bit uint8) bool {
	return b&(byte(1)<<(bit&7)) != 0
}
