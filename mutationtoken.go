// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import "encoding/binary"

// MutationToken is the durable position of a write: the partition uuid
// and sequence number it landed at, alongside the partition id and
// bucket name for routing follow-up durability checks.
type MutationToken struct {
	VbUUID      uint64
	SeqNo       uint64
	VbID        uint16
	BucketName  string
}

// decodeMutationToken parses the 16-byte mutation-token extras segment
// (vbuuid uint64, seqno uint64) attached to a mutation response when the
// mutation-seqno HELLO feature is active.
func decodeMutationToken(vbID uint16, bucketName string, extras []byte) (MutationToken, bool) {
	if len(extras) < 16 {
		return MutationToken{}, false
	}
	return MutationToken{
		VbUUID:     binary.BigEndian.Uint64(extras[0:8]),
		SeqNo:      binary.BigEndian.Uint64(extras[8:16]),
		VbID:       vbID,
		BucketName: bucketName,
	}, true
}
