// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	uuid "github.com/satori/go.uuid"

	"github.com/couchbase/gocbcore/internal/clog"
)

// ServiceKind identifies one of the service types a node may host.
type ServiceKind string

// Recognized service kinds, keyed exactly as the cluster-map JSON does.
const (
	ServiceKeyValue   ServiceKind = "key_value"
	ServiceQuery      ServiceKind = "query"
	ServiceSearch     ServiceKind = "search"
	ServiceAnalytics  ServiceKind = "analytics"
	ServiceView       ServiceKind = "view"
	ServiceManagement ServiceKind = "management"
	ServiceEventing   ServiceKind = "eventing"
)

// defaultNetwork is the implicit network name used when no alternate
// network has been selected.
const defaultNetwork = "default"

// NodeConfig describes one cluster-map node entry.
type NodeConfig struct {
	Hostname   string
	ThisNode   bool
	Ports      map[ServiceKind]int
	TLSPorts   map[ServiceKind]int
	Alt        map[string]AltAddress
}

// AltAddress is an alternate (hostname, port-maps) entry for a network
// name other than "default".
type AltAddress struct {
	Hostname string
	Ports    map[ServiceKind]int
	TLSPorts map[ServiceKind]int
}

// ClusterConfig is an immutable snapshot of cluster topology. Snapshots
// are never mutated after construction; updates replace the "current"
// snapshot atomically.
type ClusterConfig struct {
	ID                 string
	Epoch              int64
	Revision           int64
	Nodes              []NodeConfig
	VBucketMap         [][]int // [vbucket][replica] -> node index, -1 = no server
	BucketCapabilities map[string]bool
}

// newerThan implements the (epoch, revision) lexicographic ordering from
// the data model: absent epoch is treated as zero, and ties are broken by
// "first writer wins" per the Open Questions resolution.
func (c *ClusterConfig) newerThan(o *ClusterConfig) bool {
	if o == nil {
		return true
	}
	if c.Epoch != o.Epoch {
		return c.Epoch > o.Epoch
	}
	return c.Revision > o.Revision
}

// Validate checks the invariant that the vbucket map size, when present,
// is a power of two.
func (c *ClusterConfig) Validate() error {
	if c.VBucketMap != nil && !isPowerOfTwo(len(c.VBucketMap)) {
		return &KeyValueError{
			Kind: ErrInvalidArgument,
			Cause: fmt.Errorf("vbucket map size %d is not a power of two", len(c.VBucketMap)),
		}
	}
	return nil
}

// ErrNoRoute is returned by RouteByKey when no vbucket map is present or
// the selected replica slot has no server assigned.
var ErrNoRoute = errors.New("gocbcore: no route for key")

// RouteResult is the outcome of routing a document key.
type RouteResult struct {
	Vbucket   int
	NodeIndex int
	Hostname  string
	Port      int
}

// TopologyModel holds the current ClusterConfig behind an atomic swap and
// exposes the routing operations of component 2.
type TopologyModel struct {
	mu      sync.Mutex
	current atomic.Value // holds *ClusterConfig

	networkMu sync.RWMutex
	network   string // resolved by select_network, "" until resolved
}

// NewTopologyModel constructs an empty topology model (no current
// snapshot).
func NewTopologyModel() *TopologyModel {
	t := &TopologyModel{}
	t.current.Store((*ClusterConfig)(nil))
	return t
}

// Current returns the current snapshot, or nil if none has been applied.
func (t *TopologyModel) Current() *ClusterConfig {
	v := t.current.Load()
	if v == nil {
		return nil
	}
	return v.(*ClusterConfig)
}

// Apply attempts to install newCfg as the current snapshot. It returns
// true if newCfg was strictly newer and was accepted; superseded or
// equal-or-older snapshots are silently dropped (and false is returned).
// Validation errors other than staleness are returned as an error.
func (t *TopologyModel) Apply(newCfg *ClusterConfig) (bool, error) {
	if newCfg == nil {
		return false, errors.New("gocbcore: nil cluster config")
	}
	if err := newCfg.Validate(); err != nil {
		return false, err
	}
	if newCfg.ID == "" {
		newCfg.ID = uuid.NewV4().String()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing := t.Current()
	if !newCfg.newerThan(existing) {
		clog.Debugf("topology: dropping superseded config epoch=%d rev=%d (current epoch=%d rev=%d)",
			newCfg.Epoch, newCfg.Revision, epochOf(existing), revOf(existing))
		return false, nil
	}

	t.current.Store(newCfg)
	clog.Infof("topology: accepted config id=%s epoch=%d rev=%d (%d nodes)",
		newCfg.ID, newCfg.Epoch, newCfg.Revision, len(newCfg.Nodes))
	return true, nil
}

func epochOf(c *ClusterConfig) int64 {
	if c == nil {
		return 0
	}
	return c.Epoch
}

func revOf(c *ClusterConfig) int64 {
	if c == nil {
		return 0
	}
	return c.Revision
}

// RouteByKey combines CRC32 hashing with the vbucket map to locate the
// active node responsible for keyBytes. cid is the resolved numeric
// collection id to prefix the key with, or nil when collections are not
// in use.
func (t *TopologyModel) RouteByKey(cid *uint32, keyBytes []byte) (RouteResult, error) {
	cfg := t.Current()
	if cfg == nil || cfg.VBucketMap == nil {
		return RouteResult{}, ErrNoRoute
	}

	vb := vbucketForKey(cid, keyBytes, len(cfg.VBucketMap))
	replicas := cfg.VBucketMap[vb]
	if len(replicas) == 0 {
		return RouteResult{}, ErrNoRoute
	}
	nodeIdx := replicas[0] // replica 0 is active
	if nodeIdx < 0 || nodeIdx >= len(cfg.Nodes) {
		return RouteResult{}, ErrNoRoute
	}

	host, port, err := t.endpointForNode(cfg, nodeIdx, ServiceKeyValue)
	if err != nil {
		return RouteResult{}, err
	}
	return RouteResult{Vbucket: vb, NodeIndex: nodeIdx, Hostname: host, Port: port}, nil
}

// RouteByKeyReplica is as RouteByKey but selects the given replica index
// instead of the active node (replica 0). Used by GetReplica-style
// operations.
func (t *TopologyModel) RouteByKeyReplica(cid *uint32, keyBytes []byte, replicaIdx int) (RouteResult, error) {
	cfg := t.Current()
	if cfg == nil || cfg.VBucketMap == nil {
		return RouteResult{}, ErrNoRoute
	}
	vb := vbucketForKey(cid, keyBytes, len(cfg.VBucketMap))
	replicas := cfg.VBucketMap[vb]
	if replicaIdx < 0 || replicaIdx >= len(replicas) {
		return RouteResult{}, ErrNoRoute
	}
	nodeIdx := replicas[replicaIdx]
	if nodeIdx < 0 || nodeIdx >= len(cfg.Nodes) {
		return RouteResult{}, ErrNoRoute
	}
	host, port, err := t.endpointForNode(cfg, nodeIdx, ServiceKeyValue)
	if err != nil {
		return RouteResult{}, err
	}
	return RouteResult{Vbucket: vb, NodeIndex: nodeIdx, Hostname: host, Port: port}, nil
}

// ReplicaCount returns how many replica slots (including the active node)
// the vbucket containing keyBytes has, counting only slots with an
// assigned node.
func (t *TopologyModel) ReplicaCount(cid *uint32, keyBytes []byte) int {
	cfg := t.Current()
	if cfg == nil || cfg.VBucketMap == nil {
		return 0
	}
	vb := vbucketForKey(cid, keyBytes, len(cfg.VBucketMap))
	n := 0
	for _, nodeIdx := range cfg.VBucketMap[vb] {
		if nodeIdx >= 0 {
			n++
		}
	}
	return n
}

func (t *TopologyModel) resolvedNetwork() string {
	t.networkMu.RLock()
	defer t.networkMu.RUnlock()
	return t.network
}

// SelectNetwork inspects the "this_node" entry of the current snapshot
// and, if bootstrapHost matches one of its named alternate networks,
// remembers that network name for all subsequent endpoint lookups.
func (t *TopologyModel) SelectNetwork(bootstrapHost string) {
	cfg := t.Current()
	if cfg == nil {
		return
	}
	for _, n := range cfg.Nodes {
		if !n.ThisNode {
			continue
		}
		for name, alt := range n.Alt {
			if alt.Hostname == bootstrapHost {
				t.networkMu.Lock()
				t.network = name
				t.networkMu.Unlock()
				clog.Infof("topology: selected network %q for bootstrap host %q", name, bootstrapHost)
				return
			}
		}
	}
}

// endpointForNode resolves (host, port) for a specific node index and
// service, honoring the resolved alternate network with a fallback to
// "default" when the named network is absent on that node.
func (t *TopologyModel) endpointForNode(cfg *ClusterConfig, nodeIdx int, svc ServiceKind) (string, int, error) {
	node := cfg.Nodes[nodeIdx]
	network := t.resolvedNetwork()

	if network != "" && network != defaultNetwork {
		if alt, ok := node.Alt[network]; ok {
			if port, ok := alt.Ports[svc]; ok {
				return alt.Hostname, port, nil
			}
		}
	}

	if port, ok := node.Ports[svc]; ok {
		return node.Hostname, port, nil
	}
	return "", 0, fmt.Errorf("gocbcore: node %d has no endpoint for service %q", nodeIdx, svc)
}

// EndpointForService returns a randomly selected eligible endpoint for
// svc across every node hosting it. network defaults to "default" with
// fallback when the named network is unknown on a given node.
func (t *TopologyModel) EndpointForService(svc ServiceKind) (string, int, error) {
	cfg := t.Current()
	if cfg == nil {
		return "", 0, fmt.Errorf("gocbcore: no cluster config available")
	}

	type candidate struct {
		host string
		port int
	}
	var candidates []candidate
	for i := range cfg.Nodes {
		host, port, err := t.endpointForNode(cfg, i, svc)
		if err == nil {
			candidates = append(candidates, candidate{host, port})
		}
	}
	if len(candidates) == 0 {
		return "", 0, fmt.Errorf("gocbcore: no nodes host service %q", svc)
	}

	pick := candidates[rand.Intn(len(candidates))]
	return pick.host, pick.port, nil
}
