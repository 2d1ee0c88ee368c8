// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSubdocLookupSpecsRoundTrip(t *testing.T) {
	specs := []subdocSpec{
		{Opcode: subdocOpGet, Path: "a.b"},
		{Opcode: subdocOpExists, Path: "c"},
	}
	body, err := encodeSubdocSpecs(specs, false)
	require.NoError(t, err)
	assert.NotEmpty(t, body)

	// Build a fake response in the same per-spec layout and decode it.
	resp := append(
		encodeLookupResult(statusSuccess, []byte(`"v1"`)),
		encodeLookupResult(statusKeyNotFound, nil)...,
	)
	results, err := decodeSubdocLookupResults(resp, len(specs))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, statusSuccess, results[0].Status)
	assert.Equal(t, []byte(`"v1"`), results[0].Value)
	assert.Equal(t, statusKeyNotFound, results[1].Status)
}

func encodeLookupResult(status memdStatus, value []byte) []byte {
	buf := make([]byte, 6+len(value))
	buf[0] = byte(status >> 8)
	buf[1] = byte(status)
	buf[2] = byte(len(value) >> 24)
	buf[3] = byte(len(value) >> 16)
	buf[4] = byte(len(value) >> 8)
	buf[5] = byte(len(value))
	copy(buf[6:], value)
	return buf
}

func TestDecodeSubdocLookupResultsRejectsTruncated(t *testing.T) {
	_, err := decodeSubdocLookupResults([]byte{0, 0}, 1)
	assert.Error(t, err)
}

func TestComposeProjectionsSkipsFailedPaths(t *testing.T) {
	paths := []string{"a", "b"}
	results := []subdocItemResult{
		{Status: statusSuccess, Value: []byte(`1`)},
		{Status: statusPathNotFoundPlaceholder(), Value: nil},
	}
	out, err := composeProjections(paths, results)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))
}

// statusPathNotFoundPlaceholder stands in for a path-level failure
// status in this test; the real protocol uses a distinct subdoc path
// status space, which this codec doesn't otherwise decode.
func statusPathNotFoundPlaceholder() memdStatus {
	return memdStatus(0x60)
}

func TestEncodeSubdocSpecsRejectsOverlongPath(t *testing.T) {
	longPath := make([]byte, 1<<16+1)
	_, err := encodeSubdocSpecs([]subdocSpec{{Opcode: subdocOpGet, Path: string(longPath)}}, false)
	assert.Error(t, err)
}
