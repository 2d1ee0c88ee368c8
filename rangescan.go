// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// ScanType selects which variant of RANGE_SCAN_CREATE to issue.
type ScanType int

const (
	ScanTypeRange ScanType = iota
	ScanTypePrefix
	ScanTypeSampling
)

// SnapshotRequirements pins a scan to a specific vbucket snapshot so
// results are consistent with a point-in-time mutation.
type SnapshotRequirements struct {
	VbUUID  uint64
	SeqNo   uint64
	Timeout time.Duration
}

// RangeScanOptions configures one RANGE_SCAN_CREATE.
type RangeScanOptions struct {
	Type       ScanType
	Start, End []byte // ScanTypeRange
	Prefix     []byte // ScanTypePrefix
	SampleSize uint64 // ScanTypeSampling
	SampleSeed uint64 // ScanTypeSampling; 0 means let the server choose

	Scope, Collection string
	KeysOnly          bool
	Snapshot          *SnapshotRequirements
}

// ScanItem is one document (or key, if KeysOnly) returned by Continue.
type ScanItem struct {
	Key    []byte
	Value  []byte
	Flags  uint32
	Cas    uint64
	Expiry uint32
	SeqNo  uint64
}

type rangeScanCreateBody struct {
	Range *struct {
		Start string `json:"start,omitempty"`
		End   string `json:"end,omitempty"`
	} `json:"range,omitempty"`
	Prefix string `json:"prefix,omitempty"`
	Sampling *struct {
		Samples uint64 `json:"samples"`
		Seed    uint64 `json:"seed,omitempty"`
	} `json:"sampling,omitempty"`
	KeyOnly          bool   `json:"key_only,omitempty"`
	CollectionID     string `json:"collection,omitempty"`
	SnapshotVbUUID   uint64 `json:"snapshot_vb_uuid,omitempty"`
	SnapshotSeqno    uint64 `json:"snapshot_seqno,omitempty"`
	SnapshotTimeoutMs int64 `json:"snapshot_timeout_ms,omitempty"`
}

// rangeScanCoordinator implements the create/continue/cancel lifecycle
// of component 7, built atop the shared dispatcher so scan RPCs get the
// same retry/backoff treatment as ordinary KV operations.
type rangeScanCoordinator struct {
	disp *dispatcher
}

func newRangeScanCoordinator(disp *dispatcher) *rangeScanCoordinator {
	return &rangeScanCoordinator{disp: disp}
}

// Create starts a scan over vbucket and returns the server-assigned
// scan_uuid. An UnknownCollection response is retried exactly once after
// invalidating the collection cache, mirroring ResolveAndRetryOnUnknown.
func (r *rangeScanCoordinator) Create(ctx context.Context, vbucket int, opts RangeScanOptions, deadline time.Time) ([]byte, error) {
	body, err := buildScanCreateBody(opts)
	if err != nil {
		return nil, err
	}

	vb := vbucket
	req := KVRequest{
		Opcode:      opRangeScanCreate,
		Scope:       opts.Scope,
		Collection:  opts.Collection,
		Value:       body,
		VbucketHint: &vb,
		Idempotent:  true,
		Deadline:    deadline,
	}

	resp, err := r.disp.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Value) == 0 {
		return nil, fmt.Errorf("gocbcore: RANGE_SCAN_CREATE returned an empty scan_uuid")
	}
	return resp.Value, nil
}

func buildScanCreateBody(opts RangeScanOptions) ([]byte, error) {
	var body rangeScanCreateBody
	switch opts.Type {
	case ScanTypeRange:
		body.Range = &struct {
			Start string `json:"start,omitempty"`
			End   string `json:"end,omitempty"`
		}{Start: string(opts.Start), End: string(opts.End)}
	case ScanTypePrefix:
		body.Prefix = string(opts.Prefix)
	case ScanTypeSampling:
		body.Sampling = &struct {
			Samples uint64 `json:"samples"`
			Seed    uint64 `json:"seed,omitempty"`
		}{Samples: opts.SampleSize, Seed: opts.SampleSeed}
	default:
		return nil, fmt.Errorf("gocbcore: unknown scan type %d", opts.Type)
	}
	body.KeyOnly = opts.KeysOnly
	if opts.Snapshot != nil {
		body.SnapshotVbUUID = opts.Snapshot.VbUUID
		body.SnapshotSeqno = opts.Snapshot.SeqNo
		body.SnapshotTimeoutMs = opts.Snapshot.Timeout.Milliseconds()
	}
	return json.Marshal(body)
}

// Continue streams items for an in-progress scan, invoking itemCB once
// per item. It returns nil once the server reports the scan complete,
// ErrDocumentNotFound if the scan was cancelled mid-stream (the scan_uuid
// no longer refers to a live scan), or any dispatch error. ErrRequestCanceled
// is reserved for the caller's own context/operation-handle cancellation.
func (r *rangeScanCoordinator) Continue(
	ctx context.Context, scanUUID []byte, vbucket int, maxItems uint32, maxBytes uint32,
	timeout time.Duration, deadline time.Time, itemCB func(ScanItem) error,
) error {
	vb := vbucket
	extras := make([]byte, 12)
	binary.BigEndian.PutUint32(extras[0:4], maxItems)
	binary.BigEndian.PutUint32(extras[4:8], maxBytes)
	binary.BigEndian.PutUint32(extras[8:12], uint32(timeout.Milliseconds()))

	for {
		req := KVRequest{
			Opcode:      opRangeScanContinue,
			Key:         scanUUID,
			Extras:      extras,
			VbucketHint: &vb,
			Idempotent:  true,
			Deadline:    deadline,
		}
		resp, err := r.disp.Execute(ctx, req)
		if err != nil {
			return err
		}

		items, decErr := decodeScanItems(resp.Value)
		if decErr != nil {
			return decErr
		}
		for _, item := range items {
			if err := itemCB(item); err != nil {
				return err
			}
		}

		switch resp.Status {
		case statusRangeScanComplete:
			return nil
		case statusRangeScanCancelled:
			return newKVError(ErrDocumentNotFound, OpContext{}, nil)
		case statusRangeScanMore:
			continue
		default:
			return nil
		}
	}
}

// Cancel terminates scanUUID on vbucket. It is idempotent: a scan that
// has already completed or been cancelled is treated as success.
func (r *rangeScanCoordinator) Cancel(ctx context.Context, scanUUID []byte, vbucket int, deadline time.Time) error {
	vb := vbucket
	req := KVRequest{
		Opcode:      opRangeScanCancel,
		Key:         scanUUID,
		VbucketHint: &vb,
		Idempotent:  true,
		Deadline:    deadline,
	}
	_, err := r.disp.Execute(ctx, req)
	if err != nil && (IsKind(err, ErrDocumentNotFound) || IsKind(err, ErrRequestCanceled)) {
		return nil
	}
	return err
}

// decodeScanItems parses the RANGE_SCAN_CONTINUE value into individual
// items. Each item is framed as: keyLen(4) key valueLen(4) value flags(4)
// cas(8) expiry(4) seqno(8), repeated until the buffer is exhausted.
func decodeScanItems(buf []byte) ([]ScanItem, error) {
	var items []ScanItem
	off := 0
	for off < len(buf) {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("gocbcore: truncated scan item (key length)")
		}
		keyLen := int(binary.BigEndian.Uint32(buf[off : off+4]))
		off += 4
		if off+keyLen > len(buf) {
			return nil, fmt.Errorf("gocbcore: truncated scan item (key)")
		}
		key := buf[off : off+keyLen]
		off += keyLen

		if off+4 > len(buf) {
			return nil, fmt.Errorf("gocbcore: truncated scan item (value length)")
		}
		valLen := int(binary.BigEndian.Uint32(buf[off : off+4]))
		off += 4
		if off+valLen > len(buf) {
			return nil, fmt.Errorf("gocbcore: truncated scan item (value)")
		}
		value := buf[off : off+valLen]
		off += valLen

		if off+24 > len(buf) {
			return nil, fmt.Errorf("gocbcore: truncated scan item (metadata)")
		}
		flags := binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
		cas := binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
		expiry := binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
		seqno := binary.BigEndian.Uint64(buf[off : off+8])
		off += 8

		items = append(items, ScanItem{Key: key, Value: value, Flags: flags, Cas: cas, Expiry: expiry, SeqNo: seqno})
	}
	return items, nil
}
