// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"encoding/json"
	"fmt"
)

// wireClusterConfig mirrors the cluster-map JSON document returned by
// GET_CLUSTER_CONFIG and the terse-config HTTP streaming endpoint. Field
// names follow the wire document exactly; parseClusterConfigJSON
// converts it into the immutable ClusterConfig used by the topology
// model.
type wireClusterConfig struct {
	UUID     string `json:"uuid"`
	Rev      int64  `json:"rev"`
	RevEpoch int64  `json:"revEpoch"`
	NodesExt []struct {
		Hostname string         `json:"hostname"`
		ThisNode bool           `json:"thisNode"`
		Services map[string]int `json:"services"`
		AltAddresses map[string]struct {
			Hostname string         `json:"hostname"`
			Ports    map[string]int `json:"ports"`
		} `json:"alternateAddresses"`
	} `json:"nodesExt"`
	VBucketServerMap *struct {
		VBucketMap [][]int `json:"vBucketMap"`
	} `json:"vBucketServerMap"`
	BucketCapabilities []string `json:"bucketCapabilities"`
}

var serviceJSONKeys = map[string]ServiceKind{
	"kv":      ServiceKeyValue,
	"n1ql":    ServiceQuery,
	"fts":     ServiceSearch,
	"cbas":    ServiceAnalytics,
	"capi":    ServiceView,
	"mgmt":    ServiceManagement,
	"eventingAdminPort": ServiceEventing,

	"kvSSL":   ServiceKeyValue,
	"n1qlSSL": ServiceQuery,
	"ftsSSL":  ServiceSearch,
	"cbasSSL": ServiceAnalytics,
	"capiSSL": ServiceView,
	"mgmtSSL": ServiceManagement,
}

var tlsServiceJSONKeys = map[string]bool{
	"kvSSL": true, "n1qlSSL": true, "ftsSSL": true, "cbasSSL": true, "capiSSL": true, "mgmtSSL": true,
}

// parseClusterConfigJSON decodes one GET_CLUSTER_CONFIG / terse-config
// payload into a ClusterConfig ready for TopologyModel.Apply.
func parseClusterConfigJSON(data []byte) (*ClusterConfig, error) {
	var wire wireClusterConfig
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("clusterconfig: %w", err)
	}

	cfg := &ClusterConfig{
		ID:                 wire.UUID,
		Epoch:              wire.RevEpoch,
		Revision:           wire.Rev,
		BucketCapabilities: make(map[string]bool, len(wire.BucketCapabilities)),
	}
	for _, cap := range wire.BucketCapabilities {
		cfg.BucketCapabilities[cap] = true
	}

	for _, n := range wire.NodesExt {
		node := NodeConfig{
			Hostname: n.Hostname,
			ThisNode: n.ThisNode,
			Ports:    make(map[ServiceKind]int),
			TLSPorts: make(map[ServiceKind]int),
		}
		for key, port := range n.Services {
			svc, ok := serviceJSONKeys[key]
			if !ok {
				continue
			}
			if tlsServiceJSONKeys[key] {
				node.TLSPorts[svc] = port
			} else {
				node.Ports[svc] = port
			}
		}
		if len(n.AltAddresses) > 0 {
			node.Alt = make(map[string]AltAddress, len(n.AltAddresses))
			for name, alt := range n.AltAddresses {
				a := AltAddress{Hostname: alt.Hostname, Ports: make(map[ServiceKind]int), TLSPorts: make(map[ServiceKind]int)}
				for key, port := range alt.Ports {
					svc, ok := serviceJSONKeys[key]
					if !ok {
						continue
					}
					if tlsServiceJSONKeys[key] {
						a.TLSPorts[svc] = port
					} else {
						a.Ports[svc] = port
					}
				}
				node.Alt[name] = a
			}
		}
		cfg.Nodes = append(cfg.Nodes, node)
	}

	if wire.VBucketServerMap != nil {
		cfg.VBucketMap = wire.VBucketServerMap.VBucketMap
	}

	return cfg, nil
}
