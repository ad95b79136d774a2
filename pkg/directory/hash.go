package directory

import "github.com/embext/goext4/pkg/ondisk"

// sliceStringForHashing and teaTransform/teaHash are carried over from the
// teacher's pkg/ext4/dir.go almost unchanged (that file only ever hashed
// names to build a read-only mkfs image; here the same function also
// drives live HTree lookup and linear-to-HTree conversion), since TEA is the hash version this
// implementation commits to supporting end to end.
func sliceStringForHashing(s string) (string, *[4]uint32) {
	var pad, val uint32
	in := &[4]uint32{}

	l := len(s)
	pad = uint32(l) | (uint32(l) << 8)
	pad |= pad << 16
	val = pad

	l = 16
	if len(s) < l {
		l = len(s)
	}

	var i, c int
	for i = 0; i < l; i++ {
		val = uint32(s[i]) + (val << 8)
		if i%4 == 3 {
			in[c] = val
			c++
			val = pad
		}
	}
	if c < 4 {
		in[c] = val
		c++
	}
	for c < 4 {
		in[c] = pad
		c++
	}
	return s[l:], in
}

func teaTransform(buf, p *[4]uint32) {
	var sum, b0, b1 uint32
	b0, b1 = buf[0], buf[1]
	a, b, c, d := p[0], p[1], p[2], p[3]

	for i := 0; i < 16; i++ {
		sum += 0x9E3779B9
		b0 += ((b1 << 4) + a) ^ (b1 + sum) ^ ((b1 >> 5) + b)
		b1 += ((b0 << 4) + c) ^ (b0 + sum) ^ ((b0 >> 5) + d)
	}
	buf[0] += b0
	buf[1] += b1
}

// teaHash hashes name using the TEA variant, seeded by the filesystem's
// hash seed per spec.md §4.5.
func teaHash(name string, seed [4]uint32) uint32 {
	buf := seed
	s := name
	var p *[4]uint32
	for len(s) > 0 {
		s, p = sliceStringForHashing(s)
		teaTransform(&buf, p)
	}
	hash := buf[0] &^ 0x1
	const cap = uint32(0xFFFFFFFC)
	if hash > cap {
		hash = cap
	}
	return hash
}

// legacyHash is the pre-HTree djb2-style hash used by HashVersionLegacy,
// included for images that predate TEA-seeded directories.
func legacyHash(name string) uint32 {
	var hash uint32 = 0x12A3FE2D
	var hash0 uint32 = 0x37ABE8F9
	for _, c := range []byte(name) {
		h1 := hash0 + (hash ^ (uint32(c) * 7152373))
		if h1&0x80000000 != 0 {
			h1 -= 0x7FFFFFFF
		}
		h0 := hash
		hash = h1
		hash0 = h0
	}
	return hash << 1
}

// Hash computes a directory entry's hash key using the algorithm named by
// version (spec.md §4.5: LEGACY, HALF_MD4, or TEA, all seeded by the
// superblock hash seed). HALF_MD4 is not implemented: for it, as for any
// other unknown version, Hash returns an ENOTSUP error rather than a
// wrong hash. Mount does not check the hash version, so such images fail
// at lookup time, not at mount.
func Hash(version uint8, name string, seed [4]uint32) (uint32, error) {
	switch version {
	case ondisk.HashVersionTEA, ondisk.HashVersionTEAUnsigned:
		return teaHash(name, seed), nil
	case ondisk.HashVersionLegacy, ondisk.HashVersionLegacyUnsig:
		return legacyHash(name), nil
	default:
		return 0, errUnsupportedHash
	}
}
