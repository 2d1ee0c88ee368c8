// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConnSpecPlaintextMultiHost(t *testing.T) {
	spec, err := ParseConnSpec("couchbase://node1,node2:11211,node3?kv_pool_size=2")
	require.NoError(t, err)

	assert.False(t, spec.UseTLS)
	require.Len(t, spec.Hosts, 3)
	assert.Equal(t, HostPort{Host: "node1", Port: 11210}, spec.Hosts[0])
	assert.Equal(t, HostPort{Host: "node2", Port: 11211}, spec.Hosts[1])
	assert.Equal(t, HostPort{Host: "node3", Port: 11210}, spec.Hosts[2])

	val, ok := spec.Option("kv_pool_size")
	assert.True(t, ok)
	assert.Equal(t, "2", val)
}

func TestParseConnSpecTLSDefaultPort(t *testing.T) {
	spec, err := ParseConnSpec("couchbases://secure-node")
	require.NoError(t, err)
	assert.True(t, spec.UseTLS)
	require.Len(t, spec.Hosts, 1)
	assert.Equal(t, 11207, spec.Hosts[0].Port)
}

func TestParseConnSpecRejectsMissingScheme(t *testing.T) {
	_, err := ParseConnSpec("node1,node2")
	assert.Error(t, err)
}

func TestParseConnSpecRejectsEmptyHosts(t *testing.T) {
	_, err := ParseConnSpec("couchbase://")
	assert.Error(t, err)
}

func TestParseConnSpecLastOptionWins(t *testing.T) {
	spec, err := ParseConnSpec("couchbase://node1?network=default&network=external")
	require.NoError(t, err)
	val, ok := spec.Option("network")
	assert.True(t, ok)
	assert.Equal(t, "external", val)
}
