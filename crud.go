// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"time"
)

// DurabilityLevel selects the synchronous-replication guarantee a
// mutation must meet before it's acknowledged.
type DurabilityLevel uint8

const (
	DurabilityNone DurabilityLevel = iota
	DurabilityMajority
	DurabilityMajorityAndPersistActive
	DurabilityPersistToMajority
)

// durabilityFramingID is the flexible-framing-extras identifier for a
// durability requirement frame.
const durabilityFramingID = 0x01

// buildDurabilityFramingExtras encodes a durability requirement as a
// flexible framing-extras frame: one byte of (id<<4 | length), one byte
// of level, and optionally a big-endian uint16 timeout in milliseconds
// when timeout is non-zero.
func buildDurabilityFramingExtras(level DurabilityLevel, timeout time.Duration) []byte {
	if level == DurabilityNone {
		return nil
	}
	if timeout <= 0 {
		return []byte{durabilityFramingID<<4 | 1, byte(level)}
	}
	ms := uint16(timeout.Milliseconds())
	buf := make([]byte, 4)
	buf[0] = durabilityFramingID<<4 | 3
	buf[1] = byte(level)
	binary.BigEndian.PutUint16(buf[2:4], ms)
	return buf
}

// CommonOptions carries the per-request knobs shared by every KV
// operation.
type CommonOptions struct {
	Timeout         time.Duration
	ClientContextID string
	RetryStrategy   RetryStrategy
}

func (o CommonOptions) deadline() time.Time {
	if o.Timeout <= 0 {
		return time.Now().Add(30 * time.Second)
	}
	return time.Now().Add(o.Timeout)
}

// Result is the common shape returned by every mutation/read operation.
type Result struct {
	Cas           uint64
	Value         []byte
	Flags         uint32
	MutationToken *MutationToken
	Expiry        *uint32
}

// StoreOptions configures Insert/Upsert/Replace.
type StoreOptions struct {
	CommonOptions
	Flags           uint32
	Expiry          uint32
	Cas             uint64 // Replace only
	DurabilityLevel DurabilityLevel
	DurabilityTimeout time.Duration
	PreserveExpiry  bool
}

// GetOptions configures Get.
type GetOptions struct {
	CommonOptions
	WithExpiry  bool
	Projections []string // at most 16, per the subdoc multi-lookup path limit
}

// crudClient implements the typed CRUD operation surface atop the shared
// dispatcher, encoding/decoding the extras each opcode defines.
type crudClient struct {
	disp       *dispatcher
	bucketName string
}

func newCrudClient(disp *dispatcher, bucketName string) *crudClient {
	return &crudClient{disp: disp, bucketName: bucketName}
}

// Get fetches a document. If opts.Projections is set, it's routed
// through the subdoc multi-lookup path instead of a plain GET.
func (c *crudClient) Get(ctx context.Context, scope, collection string, key []byte, opts GetOptions) (*Result, error) {
	if len(opts.Projections) > 16 {
		return nil, newKVError(ErrInvalidArgument, OpContext{}, fmt.Errorf("crud: at most 16 projections are supported, got %d", len(opts.Projections)))
	}
	if len(opts.Projections) > 0 {
		return c.getWithProjections(ctx, scope, collection, key, opts)
	}

	resp, err := c.disp.Execute(ctx, KVRequest{
		Opcode:          opGet,
		Scope:           scope,
		Collection:      collection,
		Key:             key,
		Idempotent:      true,
		Deadline:        opts.deadline(),
		ClientContextID: opts.ClientContextID,
	})
	if err != nil {
		return nil, err
	}
	res := &Result{Cas: resp.Cas, Value: resp.Value}
	if len(resp.Extras) >= 4 {
		res.Flags = binary.BigEndian.Uint32(resp.Extras[0:4])
	}
	return res, nil
}

func (c *crudClient) getWithProjections(ctx context.Context, scope, collection string, key []byte, opts GetOptions) (*Result, error) {
	specs := make([]subdocSpec, 0, len(opts.Projections))
	for _, path := range opts.Projections {
		specs = append(specs, subdocSpec{Opcode: subdocOpGet, Path: path})
	}
	results, cas, err := subdocMultiLookup(ctx, c.disp, scope, collection, key, specs, opts.CommonOptions)
	if err != nil {
		return nil, err
	}
	// Compose the per-path fragments into one JSON object holding only
	// the projected paths, returned via Value.
	composed, err := composeProjections(opts.Projections, results)
	if err != nil {
		return nil, err
	}
	return &Result{Cas: cas, Value: composed}, nil
}

func (c *crudClient) Insert(ctx context.Context, scope, collection string, key, value []byte, opts StoreOptions) (*Result, error) {
	return c.store(ctx, opAdd, scope, collection, key, value, opts)
}

func (c *crudClient) Upsert(ctx context.Context, scope, collection string, key, value []byte, opts StoreOptions) (*Result, error) {
	return c.store(ctx, opSet, scope, collection, key, value, opts)
}

func (c *crudClient) Replace(ctx context.Context, scope, collection string, key, value []byte, opts StoreOptions) (*Result, error) {
	return c.store(ctx, opReplace, scope, collection, key, value, opts)
}

func (c *crudClient) store(ctx context.Context, opcode memdOpcode, scope, collection string, key, value []byte, opts StoreOptions) (*Result, error) {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:4], opts.Flags)
	binary.BigEndian.PutUint32(extras[4:8], opts.Expiry)

	resp, err := c.disp.Execute(ctx, KVRequest{
		Opcode:          opcode,
		Scope:           scope,
		Collection:      collection,
		Key:             key,
		Extras:          extras,
		Value:           value,
		Cas:             opts.Cas,
		FramingExtras:   buildDurabilityFramingExtras(opts.DurabilityLevel, opts.DurabilityTimeout),
		Idempotent:      opcode == opSet, // SET (upsert) is naturally idempotent; ADD/REPLACE are CAS-guarded instead
		Deadline:        opts.deadline(),
		ClientContextID: opts.ClientContextID,
	})
	if err != nil {
		return nil, err
	}
	res := &Result{Cas: resp.Cas}
	if mt, ok := decodeMutationToken(resp.Vbucket, c.bucketName, resp.Extras); ok {
		res.MutationToken = &mt
	}
	return res, nil
}

func (c *crudClient) Remove(ctx context.Context, scope, collection string, key []byte, cas uint64, opts CommonOptions) (*Result, error) {
	resp, err := c.disp.Execute(ctx, KVRequest{
		Opcode:          opDelete,
		Scope:           scope,
		Collection:      collection,
		Key:             key,
		Cas:             cas,
		Deadline:        opts.deadline(),
		ClientContextID: opts.ClientContextID,
	})
	if err != nil {
		return nil, err
	}
	res := &Result{Cas: resp.Cas}
	if mt, ok := decodeMutationToken(resp.Vbucket, c.bucketName, resp.Extras); ok {
		res.MutationToken = &mt
	}
	return res, nil
}

func (c *crudClient) Touch(ctx context.Context, scope, collection string, key []byte, expiry uint32, opts CommonOptions) (*Result, error) {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, expiry)
	resp, err := c.disp.Execute(ctx, KVRequest{
		Opcode:          opTouch,
		Scope:           scope,
		Collection:      collection,
		Key:             key,
		Extras:          extras,
		Idempotent:      true,
		Deadline:        opts.deadline(),
		ClientContextID: opts.ClientContextID,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Cas: resp.Cas}, nil
}

func (c *crudClient) GetAndLock(ctx context.Context, scope, collection string, key []byte, lockTime uint32, opts CommonOptions) (*Result, error) {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, lockTime)
	resp, err := c.disp.Execute(ctx, KVRequest{
		Opcode:          opGetAndLock,
		Scope:           scope,
		Collection:      collection,
		Key:             key,
		Extras:          extras,
		Deadline:        opts.deadline(),
		ClientContextID: opts.ClientContextID,
	})
	if err != nil {
		return nil, err
	}
	res := &Result{Cas: resp.Cas, Value: resp.Value}
	if len(resp.Extras) >= 4 {
		res.Flags = binary.BigEndian.Uint32(resp.Extras[0:4])
	}
	return res, nil
}

func (c *crudClient) Unlock(ctx context.Context, scope, collection string, key []byte, cas uint64, opts CommonOptions) error {
	_, err := c.disp.Execute(ctx, KVRequest{
		Opcode:          opUnlock,
		Scope:           scope,
		Collection:      collection,
		Key:             key,
		Cas:             cas,
		Idempotent:      true,
		Deadline:        opts.deadline(),
		ClientContextID: opts.ClientContextID,
	})
	return err
}

// ObserveSeqnoResult reports a vbucket's persisted and in-memory
// sequence numbers as seen by the node that serviced the request.
type ObserveSeqnoResult struct {
	VbUUID         uint64
	PersistedSeqNo uint64
	CurrentSeqNo   uint64
}

func (c *crudClient) ObserveSeqno(ctx context.Context, vbucket int, vbUUID uint64, opts CommonOptions) (*ObserveSeqnoResult, error) {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, vbUUID)
	vb := vbucket
	resp, err := c.disp.Execute(ctx, KVRequest{
		Opcode:          opObserveSeqno,
		Value:           value,
		VbucketHint:     &vb,
		Idempotent:      true,
		Deadline:        opts.deadline(),
		ClientContextID: opts.ClientContextID,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Value) < 27 {
		return nil, fmt.Errorf("crud: short OBSERVE_SEQNO response")
	}
	return &ObserveSeqnoResult{
		VbUUID:         binary.BigEndian.Uint64(resp.Value[1:9]),
		CurrentSeqNo:   binary.BigEndian.Uint64(resp.Value[9:17]),
		PersistedSeqNo: binary.BigEndian.Uint64(resp.Value[17:25]),
	}, nil
}

// LookupIn issues a subdoc multi-lookup, returning each spec's raw
// fragment in request order alongside the document's current cas.
func (c *crudClient) LookupIn(ctx context.Context, scope, collection string, key []byte, specs []subdocSpec, opts CommonOptions) ([]subdocItemResult, uint64, error) {
	return subdocMultiLookup(ctx, c.disp, scope, collection, key, specs, opts)
}

// MutateIn issues a subdoc multi-mutation, enforcing cas if non-zero.
func (c *crudClient) MutateIn(
	ctx context.Context, scope, collection string, key []byte, specs []subdocSpec,
	cas uint64, durability DurabilityLevel, durabilityTimeout time.Duration, opts CommonOptions,
) (uint64, *MutationToken, error) {
	return subdocMultiMutation(ctx, c.disp, c.bucketName, scope, collection, key, specs, cas, durability, durabilityTimeout, opts)
}

func (c *crudClient) GetReplica(ctx context.Context, scope, collection string, key []byte, replicaIndex int, opts CommonOptions) (*Result, error) {
	idx := replicaIndex
	resp, err := c.disp.Execute(ctx, KVRequest{
		Opcode:          opGetReplica,
		Scope:           scope,
		Collection:      collection,
		Key:             key,
		ReplicaIndex:    &idx,
		Idempotent:      true,
		Deadline:        opts.deadline(),
		ClientContextID: opts.ClientContextID,
	})
	if err != nil {
		return nil, err
	}
	res := &Result{Cas: resp.Cas, Value: resp.Value}
	if len(resp.Extras) >= 4 {
		res.Flags = binary.BigEndian.Uint32(resp.Extras[0:4])
	}
	return res, nil
}

// ReplicaReadResult is one node's outcome from GetAllReplicas, tagged with
// the replica index that produced it (0 is always the active node).
type ReplicaReadResult struct {
	ReplicaIndex int
	Result       *Result
	Err          error
}

// GetAnyReplica reads from the active node and every replica concurrently,
// waits for every read to finish, and returns the successful result with
// the lowest replica index. If every node fails to produce the document,
// it returns ErrDocumentIrretrievable.
func (c *crudClient) GetAnyReplica(ctx context.Context, scope, collection string, key []byte, opts CommonOptions) (*Result, error) {
	results := c.readAllReplicas(ctx, scope, collection, key, opts)
	for _, r := range results {
		if r.Err == nil {
			return r.Result, nil
		}
	}
	return nil, newKVError(ErrDocumentIrretrievable, OpContext{}, fmt.Errorf("crud: no active node or replica returned a document for the key"))
}

// GetAllReplicas reads key from the active node and every replica
// concurrently, returning one ReplicaReadResult per node ordered by
// replica index (0 = active). The error return is non-nil only when every
// node failed to produce the document.
func (c *crudClient) GetAllReplicas(ctx context.Context, scope, collection string, key []byte, opts CommonOptions) ([]ReplicaReadResult, error) {
	results := c.readAllReplicas(ctx, scope, collection, key, opts)
	for _, r := range results {
		if r.Err == nil {
			return results, nil
		}
	}
	return results, newKVError(ErrDocumentIrretrievable, OpContext{}, fmt.Errorf("crud: no active node or replica returned a document for the key"))
}

// readAllReplicas resolves how many replica slots the key's vbucket has
// (including the active node at index 0) and dispatches one read per slot
// concurrently: a plain Get for the active node, GetReplica for the rest.
func (c *crudClient) readAllReplicas(ctx context.Context, scope, collection string, key []byte, opts CommonOptions) []ReplicaReadResult {
	var cid *uint32
	if scope != "" || collection != "" {
		if resolved, err := c.disp.mux.collections.Resolve(ctx, scope, collection); err == nil {
			cid = &resolved
		}
	}

	nodeCount := c.disp.mux.topology.ReplicaCount(cid, key)
	if nodeCount == 0 {
		return []ReplicaReadResult{{ReplicaIndex: 0, Err: newKVError(ErrDocumentIrretrievable, OpContext{}, ErrNoRoute)}}
	}

	type indexed struct {
		idx int
		res *Result
		err error
	}
	ch := make(chan indexed, nodeCount)

	go func() {
		res, err := c.Get(ctx, scope, collection, key, GetOptions{CommonOptions: opts})
		ch <- indexed{idx: 0, res: res, err: err}
	}()
	for i := 1; i < nodeCount; i++ {
		replicaIdx := i
		go func() {
			res, err := c.GetReplica(ctx, scope, collection, key, replicaIdx, opts)
			ch <- indexed{idx: replicaIdx, res: res, err: err}
		}()
	}

	raw := make([]indexed, nodeCount)
	for i := 0; i < nodeCount; i++ {
		raw[i] = <-ch
	}
	sort.Slice(raw, func(i, j int) bool { return raw[i].idx < raw[j].idx })

	out := make([]ReplicaReadResult, nodeCount)
	for i, r := range raw {
		out[i] = ReplicaReadResult{ReplicaIndex: r.idx, Result: r.res, Err: r.err}
	}
	return out
}
