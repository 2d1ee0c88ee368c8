// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func topologyForServer(t *testing.T, srv *httptest.Server, svc ServiceKind) *TopologyModel {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	topo := NewTopologyModel()
	cfg := &ClusterConfig{
		Nodes: []NodeConfig{{Hostname: u.Hostname(), Ports: map[ServiceKind]int{svc: port}}},
	}
	_, err = topo.Apply(cfg)
	require.NoError(t, err)
	return topo
}

func TestHTTPClientExecuteStreamsRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"requestID":"r1","results":[{"id":1},{"id":2}],"status":"success"}`))
	}))
	defer srv.Close()

	c := newHTTPClient(topologyForServer(t, srv, ServiceQuery), "user", "pass", nil)
	stream, err := c.Execute(context.Background(), ServiceQuery, http.MethodPost, "/query/service", []byte(`{"statement":"select 1"}`))
	require.NoError(t, err)
	defer stream.Close()

	var rows []json.RawMessage
	for {
		row, err := stream.NextRow()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
	require.Len(t, rows, 2)

	meta := stream.Meta()
	assert.Contains(t, meta, "requestID")
	assert.Contains(t, meta, "status")
}

func TestHTTPClientExecuteNonStreamingObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"default","nodes":[]}`))
	}))
	defer srv.Close()

	c := newHTTPClient(topologyForServer(t, srv, ServiceManagement), "user", "pass", nil)
	stream, err := c.Execute(context.Background(), ServiceManagement, http.MethodGet, "/pools/default/buckets/default", nil)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.NextRow()
	assert.Equal(t, io.EOF, err)
	assert.Contains(t, stream.Meta(), "name")
}

func TestHTTPClientExecuteErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errors":[{"msg":"bad syntax"}]}`))
	}))
	defer srv.Close()

	c := newHTTPClient(topologyForServer(t, srv, ServiceQuery), "user", "pass", nil)
	_, err := c.Execute(context.Background(), ServiceQuery, http.MethodPost, "/query/service", []byte(`{}`))
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.Contains(t, httpErr.BodyPrefix, "bad syntax")
}

func TestHTTPClientMarksFailedEndpoint(t *testing.T) {
	topo := NewTopologyModel()
	_, err := topo.Apply(&ClusterConfig{
		Nodes: []NodeConfig{{Hostname: "127.0.0.1", Ports: map[ServiceKind]int{ServiceQuery: 1}}},
	})
	require.NoError(t, err)

	c := newHTTPClient(topo, "user", "pass", nil)
	_, err = c.Execute(context.Background(), ServiceQuery, http.MethodGet, "/", nil)
	require.Error(t, err)

	c.mu.Lock()
	_, failed := c.failedAt["127.0.0.1:1"]
	c.mu.Unlock()
	assert.True(t, failed)
}
