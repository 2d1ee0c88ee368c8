// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVbucketForKeyDeterministic(t *testing.T) {
	key := []byte("largevalues-2960")
	const vbmapSize = 1024

	first := vbucketForKey(nil, key, vbmapSize)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, vbucketForKey(nil, key, vbmapSize))
	}

	want := int(crc32.ChecksumIEEE(key) & uint32(vbmapSize-1))
	assert.Equal(t, want, first)
}

func TestVbucketForKeyWithCollectionPrefix(t *testing.T) {
	key := []byte("doc-1")
	cid := uint32(9)
	const vbmapSize = 64

	got := vbucketForKey(&cid, key, vbmapSize)

	prefixed := append(encodeLeb128(cid), key...)
	want := int(crc32.ChecksumIEEE(prefixed) & uint32(vbmapSize-1))
	assert.Equal(t, want, got)
}

func TestEncodeLeb128RoundTripsSmallValues(t *testing.T) {
	cases := []uint32{0, 1, 127, 128, 300, 1 << 20}
	for _, v := range cases {
		enc := encodeLeb128(v)
		require.NotEmpty(t, enc)

		var decoded uint32
		var shift uint
		for _, b := range enc {
			decoded |= uint32(b&0x7f) << shift
			shift += 7
		}
		assert.Equal(t, v, decoded)
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	assert.True(t, isPowerOfTwo(1))
	assert.True(t, isPowerOfTwo(1024))
	assert.False(t, isPowerOfTwo(0))
	assert.False(t, isPowerOfTwo(-2))
	assert.False(t, isPowerOfTwo(1000))
}
