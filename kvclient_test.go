// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKVServer drives the server side of a HELLO/PLAIN-SASL/SELECT_BUCKET
// handshake over a net.Pipe connection, then echoes one more request with
// statusSuccess so Dispatch can be exercised against a Ready connection.
func fakeKVServer(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		// HELLO
		req, err := readPacket(conn)
		if err != nil || req.Opcode != opHello {
			return
		}
		writePacket(conn, &memdPacket{Magic: magicRes, Opcode: opHello, Status: statusSuccess, Opaque: req.Opaque, Value: req.Value})

		// SASL LIST MECHS
		req, err = readPacket(conn)
		if err != nil || req.Opcode != opSASLListMechs {
			return
		}
		writePacket(conn, &memdPacket{Magic: magicRes, Opcode: opSASLListMechs, Status: statusSuccess, Opaque: req.Opaque, Value: []byte("PLAIN")})

		// SASL AUTH (PLAIN)
		req, err = readPacket(conn)
		if err != nil || req.Opcode != opSASLAuth {
			return
		}
		writePacket(conn, &memdPacket{Magic: magicRes, Opcode: opSASLAuth, Status: statusSuccess, Opaque: req.Opaque})

		// SELECT_BUCKET
		req, err = readPacket(conn)
		if err != nil || req.Opcode != opSelectBucket {
			return
		}
		writePacket(conn, &memdPacket{Magic: magicRes, Opcode: opSelectBucket, Status: statusSuccess, Opaque: req.Opaque})

		// Post-handshake: echo one GET request back as success.
		req, err = readPacket(conn)
		if err != nil {
			return
		}
		writePacket(conn, &memdPacket{Magic: magicRes, Opcode: req.Opcode, Status: statusSuccess, Opaque: req.Opaque, Value: []byte("value")})
	}()
}

// newReadyTestKVClient wires a kvClient to one end of a net.Pipe by overriding
// Connect's dial step: since kvClient.Connect dials a real address, this
// helper drives the handshake directly against a pre-established pipe to
// keep the test hermetic (no real TCP listener needed).
func newReadyTestKVClient(t *testing.T) (*kvClient, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	fakeKVServer(t, serverConn)

	c := newKVClient(KVClientConfig{
		Address:    "test-node",
		BucketName: "default",
		Username:   "Administrator",
		Password:   "password",
		Mechanisms: []SASLMechanism{SASLPlain},
	})
	c.conn = clientConn

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, c.doHello(ctx))
	require.NoError(t, c.doAuth(ctx))
	require.NoError(t, c.doSelectBucket(ctx))
	c.setState(kvStateReady)
	go c.readLoop()

	return c, serverConn
}

func TestKVClientHandshakeReachesReady(t *testing.T) {
	c, serverConn := newReadyTestKVClient(t)
	defer serverConn.Close()
	assert.Equal(t, kvStateReady, c.State())
}

func TestKVClientDispatchRoundTrip(t *testing.T) {
	c, serverConn := newReadyTestKVClient(t)
	defer serverConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := c.Dispatch(ctx, &memdPacket{Magic: magicReq, Opcode: opGet, Key: []byte("k")}, true)
	require.NoError(t, err)
	assert.Equal(t, statusSuccess, resp.Status)
	assert.Equal(t, []byte("value"), resp.Value)
}

func TestKVClientDispatchRejectedWhenNotReady(t *testing.T) {
	c := newKVClient(KVClientConfig{Address: "test-node"})
	_, err := c.Dispatch(context.Background(), &memdPacket{Magic: magicReq, Opcode: opGet}, true)
	assert.Error(t, err)
	assert.True(t, IsKind(err, ErrDisconnected))
}

func TestKVClientDrainOnDisconnectFailsPending(t *testing.T) {
	c, serverConn := newReadyTestKVClient(t)

	out := &outstandingRequest{opaque: 999, resultCh: make(chan kvResult, 1)}
	c.mu.Lock()
	c.pending[999] = out
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Close both ends so the client's readLoop observes EOF and drains
	// pending requests.
	serverConn.Close()
	c.conn.Close()

	select {
	case res := <-out.resultCh:
		assert.Error(t, res.err)
		assert.True(t, IsKind(res.err, ErrDisconnected))
	case <-ctx.Done():
		t.Fatal("timed out waiting for drain to fail pending request")
	}
	assert.Equal(t, kvStateClosed, c.State())
}

func TestKVClientCloseIsIdempotent(t *testing.T) {
	c, serverConn := newReadyTestKVClient(t)
	defer serverConn.Close()

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, kvStateClosed, c.State())
}

func TestKVClientReconnectBackoffIncrements(t *testing.T) {
	c := newKVClient(KVClientConfig{Address: "test-node"})
	assert.Equal(t, time.Duration(0), c.NextReconnectDelay())
	assert.Equal(t, 100*time.Millisecond, c.NextReconnectDelay())
	c.ResetReconnectAttempts()
	assert.Equal(t, time.Duration(0), c.NextReconnectDelay())
}
