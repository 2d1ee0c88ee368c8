// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"context"
	"strconv"
	"time"

	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/couchbase/gocbcore/internal/clog"
)

var dispatchMon = monkit.Package()

// KVRequest describes one logical KV operation to dispatch: enough to
// resolve a route, prefix the key with a collection id, and retry it
// according to the orchestrator's disposition.
type KVRequest struct {
	Opcode     memdOpcode
	Scope      string
	Collection string
	Key        []byte
	Extras     []byte
	Value      []byte
	Datatype   uint8
	Cas        uint64
	VbucketHint *int // set to force a specific vbucket (e.g. range-scan continue)
	ReplicaIndex *int // set to route to a specific replica instead of the active node
	FramingExtras []byte
	Idempotent bool
	Deadline   time.Time
	ClientContextID string
}

// dispatcher ties together route resolution, collection-id resolution
// and retry orchestration for a single bucket's traffic.
type dispatcher struct {
	mux   *kvMux
	retry *retryOrchestrator
}

func newDispatcher(mux *kvMux, retry *retryOrchestrator) *dispatcher {
	if retry == nil {
		retry = newRetryOrchestrator(nil)
	}
	return &dispatcher{mux: mux, retry: retry}
}

// Execute resolves the route for req, dispatches it, and retries
// according to the orchestrator until a terminal outcome, success, or
// req.Deadline is reached.
func (d *dispatcher) Execute(ctx context.Context, req KVRequest) (resp *memdPacket, err error) {
	defer dispatchMon.Task()(&ctx)(&err)

	opCtx := OpContext{ClientContextID: req.ClientContextID}
	if opCtx.ClientContextID == "" {
		opCtx.ClientContextID = newClientContextID()
	}

	attempt := 0
	retriedUnknownCollection := false
	for {
		attempt++
		if attempt > 1 && !req.Deadline.IsZero() && time.Now().After(req.Deadline) {
			return nil, newKVError(ErrTimeout, opCtx, nil)
		}

		var cid *uint32
		if req.Scope != "" || req.Collection != "" {
			resolved, err := d.mux.collections.Resolve(ctx, req.Scope, req.Collection)
			if err != nil {
				return nil, newKVError(ErrCollectionNotFound, opCtx, err)
			}
			cid = &resolved
		}

		route, addr, err := d.resolveRoute(req, cid)
		if err != nil {
			return nil, newKVError(ErrInvalidArgument, opCtx, err)
		}
		opCtx.LastDispatchedTo = addr
		opCtx.Attempts = attempt

		conn, err := d.mux.connFor(ctx, addr)
		if err != nil {
			disp, delay := d.retry.decideDisconnect(req.Idempotent, false, req.Deadline, attempt)
			opCtx.RetryReasons = append(opCtx.RetryReasons, RetryReason{Kind: ErrDisconnected})
			if disp == dispositionTerminal || !d.wait(ctx, delay) {
				return nil, newKVError(ErrDisconnected, opCtx, err)
			}
			continue
		}

		pkt := d.buildPacket(req, route, cid)
		resp, err := conn.Dispatch(ctx, pkt, req.Idempotent)
		if err != nil {
			ambiguous := !IsKind(err, ErrRequestCanceled)
			disp, delay := d.retry.decideDisconnect(req.Idempotent, ambiguous, req.Deadline, attempt)
			opCtx.RetryReasons = append(opCtx.RetryReasons, RetryReason{Kind: ErrDisconnected})
			if disp == dispositionTerminal || !d.wait(ctx, delay) {
				return nil, err
			}
			continue
		}

		if resp.Status == statusSuccess || resp.Status == statusRangeScanMore || resp.Status == statusRangeScanComplete {
			resp.Vbucket = uint16(route.Vbucket)
			return resp, nil
		}

		if resp.Status == statusUnknownCollection {
			if retriedUnknownCollection {
				return nil, newKVError(ErrCollectionNotFound, opCtx, nil)
			}
			retriedUnknownCollection = true
			d.mux.collections.Invalidate(req.Scope, req.Collection)
		}

		if resp.Status == statusNotMyVbucket {
			d.applyPiggybackedConfig(resp.Value)
		}

		disp, delay := d.retry.decide(resp.Status, req.Idempotent, req.Deadline, attempt)
		opCtx.RetryReasons = append(opCtx.RetryReasons, RetryReason{Kind: kindForStatus(resp.Status), Rerouted: disp == dispositionReroute})

		if disp == dispositionTerminal {
			return nil, newKVError(kindForStatus(resp.Status), opCtx, nil)
		}
		if !d.wait(ctx, delay) {
			return nil, newKVError(kindForStatus(resp.Status), opCtx, ctx.Err())
		}
	}
}

// resolveRoute picks the target node address for req, honoring an
// explicit vbucket hint (used by range-scan continue/cancel, which must
// stay pinned to the vbucket's owning node) or falling back to
// CRC32-based routing by key.
func (d *dispatcher) resolveRoute(req KVRequest, cid *uint32) (RouteResult, string, error) {
	var route RouteResult
	var err error
	if req.VbucketHint != nil {
		cfg := d.mux.topology.Current()
		if cfg == nil || cfg.VBucketMap == nil || *req.VbucketHint >= len(cfg.VBucketMap) {
			return RouteResult{}, "", ErrNoRoute
		}
		replicas := cfg.VBucketMap[*req.VbucketHint]
		if len(replicas) == 0 || replicas[0] < 0 {
			return RouteResult{}, "", ErrNoRoute
		}
		host, port, hErr := d.mux.topology.endpointForNode(cfg, replicas[0], ServiceKeyValue)
		if hErr != nil {
			return RouteResult{}, "", hErr
		}
		route = RouteResult{Vbucket: *req.VbucketHint, NodeIndex: replicas[0], Hostname: host, Port: port}
	} else if req.ReplicaIndex != nil {
		route, err = d.mux.topology.RouteByKeyReplica(cid, req.Key, *req.ReplicaIndex)
		if err != nil {
			return RouteResult{}, "", err
		}
	} else {
		route, err = d.mux.topology.RouteByKey(cid, req.Key)
		if err != nil {
			return RouteResult{}, "", err
		}
	}
	addr := route.Hostname + ":" + strconv.Itoa(route.Port)
	return route, addr, nil
}

func (d *dispatcher) buildPacket(req KVRequest, route RouteResult, cid *uint32) *memdPacket {
	key := req.Key
	if cid != nil {
		prefixed := make([]byte, 0, 5+len(key))
		prefixed = append(prefixed, encodeLeb128(*cid)...)
		prefixed = append(prefixed, key...)
		key = prefixed
	}
	magic := magicReq
	if len(req.FramingExtras) > 0 {
		magic = magicReqExt
	}
	return &memdPacket{
		Magic:         magic,
		Opcode:        req.Opcode,
		Datatype:      req.Datatype,
		Vbucket:       uint16(route.Vbucket),
		Cas:           req.Cas,
		FramingExtras: req.FramingExtras,
		Extras:        req.Extras,
		Key:           key,
		Value:         req.Value,
	}
}

// wait blocks for delay, honoring ctx cancellation, and reports whether
// it returned because delay elapsed (true) rather than ctx expiring
// (false).
func (d *dispatcher) wait(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		clog.Debugf("dispatcher: context done while backing off")
		return false
	}
}

// applyPiggybackedConfig parses value as a cluster-config payload
// piggy-backed on a NotMyVbucket response and, if it parses and is newer
// than what's current, applies it so the next attempt routes against the
// new map. A malformed or stale payload is logged and ignored: the
// dispatcher still rereads the current (possibly unchanged) route on its
// next attempt.
func (d *dispatcher) applyPiggybackedConfig(value []byte) {
	if len(value) == 0 {
		return
	}
	cfg, err := parseClusterConfigJSON(value)
	if err != nil {
		clog.Warnf("dispatcher: discarding malformed piggy-backed config: %v", err)
		return
	}
	if accepted, err := d.mux.topology.Apply(cfg); err == nil && accepted {
		d.mux.reconfigure(cfg, context.Background())
	}
}
