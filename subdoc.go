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

// subdocPathOpcode is the per-path operation code carried inside a
// SUBDOC_MULTI_LOOKUP/SUBDOC_MULTI_MUTATION payload.
type subdocPathOpcode uint8

const (
	subdocOpGet    subdocPathOpcode = 0x00
	subdocOpExists subdocPathOpcode = 0x01
	subdocOpDictSet subdocPathOpcode = 0x02
	subdocOpRemove  subdocPathOpcode = 0x03
	subdocOpCounter subdocPathOpcode = 0x05
)

// subdocSpec is one path operation within a multi-lookup or
// multi-mutation request.
type subdocSpec struct {
	Opcode subdocPathOpcode
	Path   string
	Value  []byte // mutation specs only
}

// subdocItemResult is one path's outcome within a multi-lookup response.
type subdocItemResult struct {
	Status memdStatus
	Value  []byte
}

// encodeSubdocSpecs serializes specs into the wire layout shared by both
// multi-lookup and multi-mutation requests: for each spec, opcode(1)
// flags(1, always 0 - no xattr support) pathLen(2 BE) path [valueLen(4
// BE) value, mutation specs only].
func encodeSubdocSpecs(specs []subdocSpec, withValues bool) ([]byte, error) {
	var buf []byte
	for _, spec := range specs {
		if len(spec.Path) > 0xffff {
			return nil, fmt.Errorf("subdoc: path too long (%d bytes)", len(spec.Path))
		}
		var hdr [4]byte
		hdr[0] = byte(spec.Opcode)
		hdr[1] = 0
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(spec.Path)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, spec.Path...)

		if withValues {
			var vlen [4]byte
			binary.BigEndian.PutUint32(vlen[:], uint32(len(spec.Value)))
			buf = append(buf, vlen[:]...)
			buf = append(buf, spec.Value...)
		}
	}
	return buf, nil
}

// decodeSubdocLookupResults parses a SUBDOC_MULTI_LOOKUP response value:
// for each spec, status(2 BE) valueLen(4 BE) value, in request order.
func decodeSubdocLookupResults(buf []byte, specCount int) ([]subdocItemResult, error) {
	results := make([]subdocItemResult, 0, specCount)
	off := 0
	for len(results) < specCount {
		if off+6 > len(buf) {
			return nil, fmt.Errorf("subdoc: truncated lookup result")
		}
		status := memdStatus(binary.BigEndian.Uint16(buf[off : off+2]))
		vlen := int(binary.BigEndian.Uint32(buf[off+2 : off+6]))
		off += 6
		if off+vlen > len(buf) {
			return nil, fmt.Errorf("subdoc: truncated lookup result value")
		}
		results = append(results, subdocItemResult{Status: status, Value: buf[off : off+vlen]})
		off += vlen
	}
	return results, nil
}

// subdocMultiLookup issues one SUBDOC_MULTI_LOOKUP for specs and returns
// each path's raw value alongside the document's current cas.
func subdocMultiLookup(
	ctx context.Context, disp *dispatcher, scope, collection string, key []byte,
	specs []subdocSpec, opts CommonOptions,
) ([]subdocItemResult, uint64, error) {
	body, err := encodeSubdocSpecs(specs, false)
	if err != nil {
		return nil, 0, err
	}

	resp, err := disp.Execute(ctx, KVRequest{
		Opcode:          opSubdocMultiLookup,
		Scope:           scope,
		Collection:      collection,
		Key:             key,
		Value:           body,
		Idempotent:      true,
		Deadline:        opts.deadline(),
		ClientContextID: opts.ClientContextID,
	})
	if err != nil {
		return nil, 0, err
	}

	results, err := decodeSubdocLookupResults(resp.Value, len(specs))
	if err != nil {
		return nil, 0, err
	}
	return results, resp.Cas, nil
}

// subdocMultiMutation issues one SUBDOC_MULTI_MUTATION for specs,
// enforcing cas if non-zero, and returns the document's new cas and
// mutation token.
func subdocMultiMutation(
	ctx context.Context, disp *dispatcher, bucketName, scope, collection string, key []byte,
	specs []subdocSpec, cas uint64, durability DurabilityLevel, durabilityTimeout time.Duration, opts CommonOptions,
) (uint64, *MutationToken, error) {
	body, err := encodeSubdocSpecs(specs, true)
	if err != nil {
		return 0, nil, err
	}

	resp, err := disp.Execute(ctx, KVRequest{
		Opcode:          opSubdocMultiMutation,
		Scope:           scope,
		Collection:      collection,
		Key:             key,
		Value:           body,
		Cas:             cas,
		FramingExtras:   buildDurabilityFramingExtras(durability, durabilityTimeout),
		Deadline:        opts.deadline(),
		ClientContextID: opts.ClientContextID,
	})
	if err != nil {
		return 0, nil, err
	}

	var token *MutationToken
	if mt, ok := decodeMutationToken(resp.Vbucket, bucketName, resp.Extras); ok {
		token = &mt
	}
	return resp.Cas, token, nil
}

// composeProjections assembles a flat JSON object mapping each requested
// path to its raw fragment, in request order. Dotted paths are kept as
// literal keys rather than rebuilt into nested objects: callers that
// need the full document shape should request the whole document instead
// of projections.
func composeProjections(paths []string, results []subdocItemResult) ([]byte, error) {
	if len(paths) != len(results) {
		return nil, fmt.Errorf("subdoc: %d paths but %d results", len(paths), len(results))
	}
	out := make(map[string]json.RawMessage, len(paths))
	for i, path := range paths {
		if results[i].Status != statusSuccess {
			continue
		}
		out[path] = json.RawMessage(results[i].Value)
	}
	return json.Marshal(out)
}
