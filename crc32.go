// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import "hash/crc32"

// encodeLeb128 encodes v as an unsigned LEB128 varint, used to prefix a
// document key with its numeric collection id before it's fed to the
// vbucket hash, once collections are active on the connection.
func encodeLeb128(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

// vbucketForKey computes the vbucket index for keyBytes against a vbucket
// map of size vbmapSize, optionally prefixed with a collection id. vbmapSize
// must be a power of two; callers (topology.go) are responsible for
// rejecting non-power-of-two maps as configuration errors before calling
// this.
func vbucketForKey(cid *uint32, keyBytes []byte, vbmapSize int) int {
	input := keyBytes
	if cid != nil {
		prefixed := make([]byte, 0, len(keyBytes)+5)
		prefixed = append(prefixed, encodeLeb128(*cid)...)
		prefixed = append(prefixed, keyBytes...)
		input = prefixed
	}
	sum := crc32.ChecksumIEEE(input)
	return int(sum & uint32(vbmapSize-1))
}

// isPowerOfTwo reports whether n is a positive power of two.
func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
