package internal

import (
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/zeebo/xxh3"
)

// AsXXHash returns the XXHash128 of the given data.
// This hash is extremely fast and stable across processes, which is what
// makes it usable as an input fingerprint.
// https://cyan4973.github.io/xxHash/
func AsXXHash(inputs ...[]byte) []byte {
	h := xxh3.New()
	for _, input := range inputs {
		// Hash.Write never returns an error.
		_, _ = h.Write(input)
	}
	return uint128ToBytes(h.Sum128())
}

// FingerprintInputs derives the inputHash of a job launch from its input
// bindings. Key order must not matter: two launches over the same inputs
// are the same launch, which is what duplicate suppression keys on.
func FingerprintInputs(inputs map[string]string) string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxh3.New()
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(inputs[k]))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(uint128ToBytes(h.Sum128()))
}

func uint128ToBytes(a xxh3.Uint128) (b []byte) {
	b = make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], a.Lo)
	binary.LittleEndian.PutUint64(b[8:16], a.Hi)
	return
}
