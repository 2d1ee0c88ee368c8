// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleClusterConfigJSON = `{
	"uuid": "abc-123",
	"rev": 5,
	"revEpoch": 1,
	"nodesExt": [
		{
			"hostname": "node1.example.com",
			"thisNode": true,
			"services": {"kv": 11210, "n1ql": 8093, "mgmt": 8091},
			"alternateAddresses": {
				"external": {"hostname": "node1.external.com", "ports": {"kv": 31000}}
			}
		},
		{
			"hostname": "node2.example.com",
			"services": {"kv": 11210, "mgmt": 8091}
		}
	],
	"vBucketServerMap": {
		"vBucketMap": [[0, 1], [1, 0]]
	},
	"bucketCapabilities": ["collections", "durableWrite"]
}`

func TestParseClusterConfigJSON(t *testing.T) {
	cfg, err := parseClusterConfigJSON([]byte(sampleClusterConfigJSON))
	require.NoError(t, err)

	assert.Equal(t, "abc-123", cfg.ID)
	assert.EqualValues(t, 1, cfg.Epoch)
	assert.EqualValues(t, 5, cfg.Revision)
	require.Len(t, cfg.Nodes, 2)

	n0 := cfg.Nodes[0]
	assert.True(t, n0.ThisNode)
	assert.Equal(t, "node1.example.com", n0.Hostname)
	assert.Equal(t, 11210, n0.Ports[ServiceKeyValue])
	assert.Equal(t, 8093, n0.Ports[ServiceQuery])
	require.Contains(t, n0.Alt, "external")
	assert.Equal(t, "node1.external.com", n0.Alt["external"].Hostname)
	assert.Equal(t, 31000, n0.Alt["external"].Ports[ServiceKeyValue])

	n1 := cfg.Nodes[1]
	assert.False(t, n1.ThisNode)
	assert.Equal(t, 11210, n1.Ports[ServiceKeyValue])

	require.Len(t, cfg.VBucketMap, 2)
	assert.Equal(t, []int{0, 1}, cfg.VBucketMap[0])

	assert.True(t, cfg.BucketCapabilities["collections"])
	assert.True(t, cfg.BucketCapabilities["durableWrite"])
}

func TestParseClusterConfigJSONRejectsMalformed(t *testing.T) {
	_, err := parseClusterConfigJSON([]byte(`{not json`))
	assert.Error(t, err)
}

func TestParseClusterConfigJSONTLSServicesSeparated(t *testing.T) {
	raw := `{
		"uuid": "x",
		"rev": 1,
		"nodesExt": [{"hostname": "h", "services": {"kv": 11210, "kvSSL": 11207}}]
	}`
	cfg, err := parseClusterConfigJSON([]byte(raw))
	require.NoError(t, err)
	require.Len(t, cfg.Nodes, 1)
	assert.Equal(t, 11210, cfg.Nodes[0].Ports[ServiceKeyValue])
	assert.Equal(t, 11207, cfg.Nodes[0].TLSPorts[ServiceKeyValue])
}
