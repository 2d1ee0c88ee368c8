// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"context"
	"time"

	"github.com/couchbase/gocbcore/internal/clog"
)

// StatResult is one node's answer to a STAT request.
type StatResult struct {
	Node  string
	Key   string
	Value string
	Err   error
}

// statsClient issues STAT requests against every currently-Ready KV
// connection. The real STAT command streams one response packet per
// counter, terminated by an empty-key packet; this client targets a
// single named stat group and expects exactly one response packet per
// node, which is the shape every stat group relevant to health-check
// tooling (e.g. a specific counter key) actually returns. Streaming the
// full multi-packet "all stats" dump is not implemented.
type statsClient struct {
	mux *kvMux
}

func newStatsClient(mux *kvMux) *statsClient {
	return &statsClient{mux: mux}
}

// Get issues a STAT request for group against every Ready node and
// collects one result per node, continuing past per-node errors so one
// unreachable node doesn't fail the whole call.
func (s *statsClient) Get(ctx context.Context, group string, deadline time.Time) map[string]StatResult {
	s.mux.mu.RLock()
	conns := make(map[string]*kvClient, len(s.mux.conns))
	for addr, c := range s.mux.conns {
		conns[addr] = c
	}
	s.mux.mu.RUnlock()

	results := make(map[string]StatResult, len(conns))
	for addr, c := range conns {
		if c.State() != kvStateReady {
			results[addr] = StatResult{Node: addr, Err: newKVError(ErrDisconnected, OpContext{LastDispatchedTo: addr}, nil)}
			continue
		}

		reqCtx, cancel := context.WithDeadline(ctx, deadline)
		resp, err := c.Dispatch(reqCtx, &memdPacket{Magic: magicReq, Opcode: opStat, Key: []byte(group)}, true)
		cancel()
		if err != nil {
			clog.Warnf("stats: %s failed to answer STAT %q: %v", addr, group, err)
			results[addr] = StatResult{Node: addr, Err: err}
			continue
		}
		if resp.Status != statusSuccess {
			results[addr] = StatResult{Node: addr, Err: newKVError(kindForStatus(resp.Status), OpContext{LastDispatchedTo: addr}, nil)}
			continue
		}
		results[addr] = StatResult{Node: addr, Key: string(resp.Key), Value: string(resp.Value)}
	}
	return results
}
