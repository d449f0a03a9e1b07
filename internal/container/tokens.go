package container

import "vqvdb/internal/backend"

// TokenWidth returns the smallest byte width (1 to 4) that holds every token
// of an alphabet of the given size.
func TokenWidth(alphabetSize uint32) int {
	top := uint64(alphabetSize)
	if top > 0 {
		top--
	}
	switch {
	case top < 1<<8:
		return 1
	case top < 1<<16:
		return 2
	case top < 1<<24:
		return 3
	}
	return 4
}

// packTokens writes tokens little-endian at the given width.
func packTokens(tokens [][]backend.Token, width int) []byte {
	n := 0
	for _, arr := range tokens {
		n += len(arr)
	}
	out := make([]byte, n*width)
	off := 0
	for _, arr := range tokens {
		for _, t := range arr {
			for b := 0; b < width; b++ {
				out[off+b] = byte(t >> (8 * b))
			}
			off += width
		}
	}
	return out
}

// unpackTokens splits raw into count arrays of length tokens each.
func unpackTokens(raw []byte, width, count, length int) [][]backend.Token {
	out := make([][]backend.Token, count)
	flat := make([]backend.Token, count*length)
	off := 0
	for i := range flat {
		var t backend.Token
		for b := 0; b < width; b++ {
			t |= backend.Token(raw[off+b]) << (8 * b)
		}
		flat[i] = t
		off += width
	}
	for i := range out {
		out[i] = flat[i*length : (i+1)*length : (i+1)*length]
	}
	return out
}
