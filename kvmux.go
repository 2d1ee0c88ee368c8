// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/couchbase/gocbcore/internal/clog"
)

var kvmuxMon = monkit.Package()

// KVMuxConfig configures the per-bucket connection pool.
type KVMuxConfig struct {
	BucketName  string
	Username    string
	Password    string
	TLSConfig   *tls.Config
	Mechanisms  []SASLMechanism
	DialTimeout time.Duration
}

// kvMux owns one kvClient per KV node for a bucket, the bucket's
// TopologyModel, and the collection-id resolver. It is the "Agent"
// orchestration layer described in the connection-pool design: callers
// ask it to dispatch a request for a key or a specific node, and it
// takes care of routing and reconfiguration. It does not reconnect: a
// connection that drops stays in the pool in the Disconnected state and
// is not re-dialed.
type kvMux struct {
	cfg KVMuxConfig

	topology *TopologyModel

	mu    sync.RWMutex
	conns map[string]*kvClient // keyed by "host:port"

	collections *collectionResolver

	closeOnce sync.Once
	closeCh   chan struct{}
}

func newKVMux(cfg KVMuxConfig) *kvMux {
	m := &kvMux{
		cfg:      cfg,
		topology: NewTopologyModel(),
		conns:    make(map[string]*kvClient),
		closeCh:  make(chan struct{}),
	}
	m.collections = newCollectionResolver(m.resolveCollectionID)
	return m
}

// Bootstrap dials each seed in turn until one answers GET_CLUSTER_CONFIG,
// applies the resulting topology, selects the alternate network (if any)
// matching the seed that succeeded, and opens connections to every node
// the new topology names.
func (m *kvMux) Bootstrap(ctx context.Context, seeds []string) error {
	var lastErr error
	for _, seed := range seeds {
		client := newKVClient(KVClientConfig{
			Address:     seed,
			TLSConfig:   m.cfg.TLSConfig,
			BucketName:  m.cfg.BucketName,
			Username:    m.cfg.Username,
			Password:    m.cfg.Password,
			Mechanisms:  m.cfg.Mechanisms,
			DialTimeout: m.cfg.DialTimeout,
		})
		if err := client.Connect(ctx); err != nil {
			lastErr = err
			clog.Warnf("kvmux: bootstrap seed %s failed: %v", seed, err)
			continue
		}

		resp, err := client.Dispatch(ctx, &memdPacket{Magic: magicReq, Opcode: opGetClusterConfig}, true)
		if err != nil {
			lastErr = err
			client.Close()
			continue
		}
		cfg, err := parseClusterConfigJSON(resp.Value)
		if err != nil {
			lastErr = err
			client.Close()
			continue
		}
		if _, err := m.topology.Apply(cfg); err != nil {
			lastErr = err
			client.Close()
			continue
		}

		host, _, splitErr := net.SplitHostPort(seed)
		if splitErr == nil {
			m.topology.SelectNetwork(host)
		}

		m.adoptConnection(seed, client)
		m.reconfigure(cfg, ctx)
		return nil
	}
	return fmt.Errorf("gocbcore: bootstrap failed against all seeds, last error: %w", lastErr)
}

// adoptConnection installs an already-connected client into the pool,
// wiring its clustermap-change callback to feed the topology model.
func (m *kvMux) adoptConnection(addr string, client *kvClient) {
	client.cfg.OnClustermapChange = func(bucketName string, payload []byte) {
		cfg, err := parseClusterConfigJSON(payload)
		if err != nil {
			clog.Warnf("kvmux: discarding malformed clustermap push: %v", err)
			return
		}
		if accepted, err := m.topology.Apply(cfg); err == nil && accepted {
			m.reconfigure(cfg, context.Background())
		}
	}
	m.mu.Lock()
	m.conns[addr] = client
	m.mu.Unlock()
}

// reconfigure opens connections to any node named by cfg that the mux
// doesn't already hold, and drains connections to nodes no longer named.
// Existing connections for nodes still present are left untouched.
func (m *kvMux) reconfigure(cfg *ClusterConfig, ctx context.Context) {
	wanted := make(map[string]bool, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		port, ok := n.Ports[ServiceKeyValue]
		if !ok {
			continue
		}
		addr := fmt.Sprintf("%s:%d", n.Hostname, port)
		wanted[addr] = true

		m.mu.RLock()
		_, have := m.conns[addr]
		m.mu.RUnlock()
		if have {
			continue
		}

		client := newKVClient(KVClientConfig{
			Address:     addr,
			TLSConfig:   m.cfg.TLSConfig,
			BucketName:  m.cfg.BucketName,
			Username:    m.cfg.Username,
			Password:    m.cfg.Password,
			Mechanisms:  m.cfg.Mechanisms,
			DialTimeout: m.cfg.DialTimeout,
		})
		if err := client.Connect(ctx); err != nil {
			clog.Warnf("kvmux: failed to open connection to new node %s: %v", addr, err)
			continue
		}
		m.adoptConnection(addr, client)
	}

	m.mu.Lock()
	var stale []string
	for addr := range m.conns {
		if !wanted[addr] {
			stale = append(stale, addr)
		}
	}
	for _, addr := range stale {
		c := m.conns[addr]
		delete(m.conns, addr)
		clog.Infof("kvmux: draining connection to removed node %s", addr)
		go c.Close()
	}
	activeConns := len(m.conns)
	m.mu.Unlock()

	kvmuxMon.IntVal("active_connections").Observe(int64(activeConns))
}

// connFor returns the Ready connection for addr, waiting up to ctx's
// deadline for a connection still mid-handshake to become Ready.
func (m *kvMux) connFor(ctx context.Context, addr string) (*kvClient, error) {
	for {
		m.mu.RLock()
		c, ok := m.conns[addr]
		m.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("gocbcore: no connection to node %s", addr)
		}
		switch c.State() {
		case kvStateReady:
			return c, nil
		case kvStateClosed, kvStateDraining:
			return nil, newKVError(ErrDisconnected, OpContext{LastDispatchedTo: addr}, nil)
		default:
			select {
			case <-time.After(5 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

// resolveCollectionID issues GET_COLLECTION_ID against any Ready
// connection and is installed as the mux's collectionResolveFunc.
func (m *kvMux) resolveCollectionID(ctx context.Context, scope, collection string) (collectionEntry, error) {
	c, err := m.anyReadyConn()
	if err != nil {
		return collectionEntry{}, err
	}
	path := scope + "." + collection
	resp, err := c.Dispatch(ctx, &memdPacket{Magic: magicReq, Opcode: opGetCollectionID, Key: []byte(path)}, true)
	if err != nil {
		return collectionEntry{}, err
	}
	if resp.Status != statusSuccess {
		return collectionEntry{}, newKVError(kindForStatus(resp.Status), OpContext{LastDispatchedTo: c.cfg.Address}, nil)
	}
	// Extras: 4 bytes manifest uid (high 4 bytes) + 4 bytes collection id,
	// per the GET_COLLECTION_ID response layout.
	if len(resp.Extras) < 8 {
		return collectionEntry{}, fmt.Errorf("gocbcore: short GET_COLLECTION_ID extras")
	}
	manifestUID := binary.BigEndian.Uint32(resp.Extras[0:4])
	cid := binary.BigEndian.Uint32(resp.Extras[4:8])
	return collectionEntry{cid: cid, manifestUID: uint64(manifestUID)}, nil
}

func (m *kvMux) anyReadyConn() (*kvClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conns {
		if c.State() == kvStateReady {
			return c, nil
		}
	}
	return nil, fmt.Errorf("gocbcore: no ready connection available")
}

// Close drains every held connection.
func (m *kvMux) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*kvClient)
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}
