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

func singleNodeCrudClient(t *testing.T) (*crudClient, net.Conn) {
	t.Helper()
	m := newKVMux(KVMuxConfig{BucketName: "default"})
	c, serverConn := fakeReadyConn(t, "node1:11210")
	m.adoptConnection("node1:11210", c)

	cfg := &ClusterConfig{
		Nodes:      []NodeConfig{{Hostname: "node1", Ports: map[ServiceKind]int{ServiceKeyValue: 11210}}},
		VBucketMap: [][]int{{0}, {0}, {0}, {0}},
	}
	_, err := m.topology.Apply(cfg)
	require.NoError(t, err)

	return newCrudClient(newDispatcher(m, nil), "default"), serverConn
}

// answerCollectionResolve reads and answers one GET_COLLECTION_ID request,
// resolving scope.collection to cid 9, for tests that dispatch against a
// non-default scope/collection and so must satisfy the resolver's
// round-trip before the real operation's request arrives.
func answerCollectionResolve(t *testing.T, serverConn net.Conn) {
	t.Helper()
	req, err := readPacket(serverConn)
	require.NoError(t, err)
	require.Equal(t, opGetCollectionID, req.Opcode)
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:4], 1) // manifest uid
	binary.BigEndian.PutUint32(extras[4:8], 9) // collection id
	writePacket(serverConn, &memdPacket{Magic: magicRes, Opcode: opGetCollectionID, Status: statusSuccess, Opaque: req.Opaque, Extras: extras})
}

func TestCrudGetDecodesFlagsAndValue(t *testing.T) {
	cc, serverConn := singleNodeCrudClient(t)
	defer serverConn.Close()

	go func() {
		answerCollectionResolve(t, serverConn)

		req, err := readPacket(serverConn)
		if err != nil {
			return
		}
		extras := make([]byte, 4)
		binary.BigEndian.PutUint32(extras, 0x02000000)
		writePacket(serverConn, &memdPacket{Magic: magicRes, Opcode: req.Opcode, Status: statusSuccess, Opaque: req.Opaque, Extras: extras, Value: []byte(`{"a":1}`), Cas: 55})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := cc.Get(ctx, "s", "c", []byte("k"), GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), res.Value)
	assert.EqualValues(t, 0x02000000, res.Flags)
	assert.EqualValues(t, 55, res.Cas)
}

func TestCrudGetRejectsTooManyProjections(t *testing.T) {
	cc, serverConn := singleNodeCrudClient(t)
	defer serverConn.Close()

	var projections []string
	for i := 0; i < 17; i++ {
		projections = append(projections, "p")
	}
	_, err := cc.Get(context.Background(), "s", "c", []byte("k"), GetOptions{Projections: projections})
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrInvalidArgument))
}

func TestCrudInsertReturnsMutationToken(t *testing.T) {
	cc, serverConn := singleNodeCrudClient(t)
	defer serverConn.Close()

	go func() {
		answerCollectionResolve(t, serverConn)

		req, err := readPacket(serverConn)
		if err != nil {
			return
		}
		extras := make([]byte, 16)
		binary.BigEndian.PutUint64(extras[0:8], 0xdeadbeef)
		binary.BigEndian.PutUint64(extras[8:16], 42)
		writePacket(serverConn, &memdPacket{Magic: magicRes, Opcode: req.Opcode, Status: statusSuccess, Opaque: req.Opaque, Extras: extras, Cas: 7})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := cc.Insert(ctx, "s", "c", []byte("k"), []byte("v"), StoreOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.MutationToken)
	assert.EqualValues(t, 42, res.MutationToken.SeqNo)
	assert.EqualValues(t, 7, res.Cas)
	// "k" prefixed with collection id 9 hashes to vbucket 2 under this
	// 4-entry map; confirms the dispatcher's resolved route, not a
	// hardcoded 0, reaches the mutation token.
	assert.EqualValues(t, 2, res.MutationToken.VbID)
}

func TestCrudRemoveTerminalOnKeyNotFound(t *testing.T) {
	cc, serverConn := singleNodeCrudClient(t)
	defer serverConn.Close()

	go func() {
		answerCollectionResolve(t, serverConn)

		req, err := readPacket(serverConn)
		if err != nil {
			return
		}
		writePacket(serverConn, &memdPacket{Magic: magicRes, Opcode: req.Opcode, Status: statusKeyNotFound, Opaque: req.Opaque})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := cc.Remove(ctx, "s", "c", []byte("k"), 0, CommonOptions{})
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrDocumentNotFound))
}

func twoNodeCrudClient(t *testing.T) (*crudClient, net.Conn, net.Conn) {
	t.Helper()
	m := newKVMux(KVMuxConfig{BucketName: "default"})
	c1, serverConn1 := fakeReadyConn(t, "node1:11210")
	c2, serverConn2 := fakeReadyConn(t, "node2:11210")
	m.adoptConnection("node1:11210", c1)
	m.adoptConnection("node2:11210", c2)

	cfg := &ClusterConfig{
		Nodes: []NodeConfig{
			{Hostname: "node1", Ports: map[ServiceKind]int{ServiceKeyValue: 11210}},
			{Hostname: "node2", Ports: map[ServiceKind]int{ServiceKeyValue: 11210}},
		},
		VBucketMap: [][]int{{0, 1}, {0, 1}, {0, 1}, {0, 1}},
	}
	_, err := m.topology.Apply(cfg)
	require.NoError(t, err)

	return newCrudClient(newDispatcher(m, nil), "default"), serverConn1, serverConn2
}

func answerKeyNotFoundOnce(serverConn net.Conn) {
	go func() {
		req, err := readPacket(serverConn)
		if err != nil {
			return
		}
		writePacket(serverConn, &memdPacket{Magic: magicRes, Opcode: req.Opcode, Status: statusKeyNotFound, Opaque: req.Opaque})
	}()
}

func TestCrudGetAnyReplicaReturnsDocumentIrretrievableWhenAllNodesMiss(t *testing.T) {
	cc, serverConn1, serverConn2 := twoNodeCrudClient(t)
	defer serverConn1.Close()
	defer serverConn2.Close()

	answerKeyNotFoundOnce(serverConn1)
	answerKeyNotFoundOnce(serverConn2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := cc.GetAnyReplica(ctx, "", "", []byte("k"), CommonOptions{})
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrDocumentIrretrievable))
}

func TestCrudGetAllReplicasReportsEveryNode(t *testing.T) {
	cc, serverConn1, serverConn2 := twoNodeCrudClient(t)
	defer serverConn1.Close()
	defer serverConn2.Close()

	answerKeyNotFoundOnce(serverConn1)
	answerKeyNotFoundOnce(serverConn2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	results, err := cc.GetAllReplicas(ctx, "", "", []byte("k"), CommonOptions{})
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrDocumentIrretrievable))
	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].ReplicaIndex)
	assert.Equal(t, 1, results[1].ReplicaIndex)
	for _, r := range results {
		assert.True(t, IsKind(r.Err, ErrDocumentNotFound))
	}
}

func TestBuildDurabilityFramingExtras(t *testing.T) {
	assert.Nil(t, buildDurabilityFramingExtras(DurabilityNone, 0))

	noTimeout := buildDurabilityFramingExtras(DurabilityMajority, 0)
	assert.Equal(t, []byte{0x01<<4 | 1, byte(DurabilityMajority)}, noTimeout)

	withTimeout := buildDurabilityFramingExtras(DurabilityPersistToMajority, 1500*time.Millisecond)
	require.Len(t, withTimeout, 4)
	assert.Equal(t, byte(0x01<<4|3), withTimeout[0])
	assert.Equal(t, byte(DurabilityPersistToMajority), withTimeout[1])
	assert.EqualValues(t, 1500, binary.BigEndian.Uint16(withTimeout[2:4]))
}
