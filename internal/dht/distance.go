package dht

import "bytes"

// Distance is the XOR metric between two node ids.
func Distance(a, b [32]byte) [32]byte {
	var out [32]byte
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Closer reports whether a is strictly closer to key than b.
func Closer(key, a, b [32]byte) bool {
	da := Distance(key, a)
	db := Distance(key, b)
	return bytes.Compare(da[:], db[:]) < 0
}
