// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReadyConn wires a Ready kvClient directly to one end of a net.Pipe,
// skipping the handshake entirely, for tests that only care about
// post-Ready dispatch behavior through the mux.
func fakeReadyConn(t *testing.T, addr string) (*kvClient, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	c := newKVClient(KVClientConfig{Address: addr})
	c.conn = clientConn
	c.setState(kvStateReady)
	go c.readLoop()
	return c, serverConn
}

func TestKVMuxConnForReturnsReadyConn(t *testing.T) {
	m := newKVMux(KVMuxConfig{BucketName: "default"})
	c, serverConn := fakeReadyConn(t, "node1:11210")
	defer serverConn.Close()
	m.adoptConnection("node1:11210", c)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := m.connFor(ctx, "node1:11210")
	require.NoError(t, err)
	assert.Same(t, c, got)
}

func TestKVMuxConnForErrorsForUnknownNode(t *testing.T) {
	m := newKVMux(KVMuxConfig{})
	_, err := m.connFor(context.Background(), "nowhere:11210")
	assert.Error(t, err)
}

func TestKVMuxResolveCollectionIDUsesAnyReadyConn(t *testing.T) {
	m := newKVMux(KVMuxConfig{BucketName: "default"})
	c, serverConn := fakeReadyConn(t, "node1:11210")
	defer serverConn.Close()
	m.adoptConnection("node1:11210", c)

	go func() {
		req, err := readPacket(serverConn)
		if err != nil || req.Opcode != opGetCollectionID {
			return
		}
		extras := make([]byte, 8)
		binary.BigEndian.PutUint32(extras[0:4], 1) // manifest uid
		binary.BigEndian.PutUint32(extras[4:8], 9) // collection id
		writePacket(serverConn, &memdPacket{Magic: magicRes, Opcode: opGetCollectionID, Status: statusSuccess, Opaque: req.Opaque, Extras: extras})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	entry, err := m.resolveCollectionID(ctx, "scope1", "coll1")
	require.NoError(t, err)
	assert.EqualValues(t, 9, entry.cid)
	assert.EqualValues(t, 1, entry.manifestUID)
}

func TestKVMuxReconfigureDrainsRemovedNodes(t *testing.T) {
	m := newKVMux(KVMuxConfig{BucketName: "default"})
	c, serverConn := fakeReadyConn(t, "stale:11210")
	defer serverConn.Close()
	m.adoptConnection("stale:11210", c)

	cfg := &ClusterConfig{
		Nodes: []NodeConfig{
			{Hostname: "fresh", Ports: map[ServiceKind]int{ServiceKeyValue: 11210}},
		},
	}

	// reconfigure will try to dial "fresh:11210" for real and fail (no
	// listener); it should still drain the stale connection.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	m.reconfigure(cfg, ctx)

	time.Sleep(10 * time.Millisecond)
	m.mu.RLock()
	_, staleStillPresent := m.conns["stale:11210"]
	m.mu.RUnlock()
	assert.False(t, staleStillPresent)
}
