// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/couchbase/gocbcore/internal/clog"
)

// AgentConfig specifies the configuration options for creation of an
// Agent.
type AgentConfig struct {
	ConnStr    string
	BucketName string
	Username   string
	Password   string
	TLSConfig  *tls.Config
	Mechanisms []SASLMechanism

	DialTimeout    time.Duration
	ConnectTimeout time.Duration

	DefaultRetryStrategy RetryStrategy

	// Tracer receives a root span for every dispatched operation. Defaults
	// to opentracing.NoopTracer{} when nil.
	Tracer opentracing.Tracer
}

// Agent is the base client handling connections to a Couchbase Server
// cluster: it owns the per-bucket KV connection pool, the shared HTTP
// service client, and the typed operation surfaces built on top of them.
type Agent struct {
	clientID   string
	bucketName string
	tracer     opentracing.Tracer

	kvMux      *kvMux
	dispatcher *dispatcher
	crud       *crudClient
	rangeScan  *rangeScanCoordinator
	stats      *statsClient
	http       *httpClient
}

// CreateAgent parses config.ConnStr, bootstraps the KV connection pool
// against its hosts, and wires the full operation surface.
func CreateAgent(ctx context.Context, config *AgentConfig) (*Agent, error) {
	clog.Infof("agent: creating new agent for bucket %q", config.BucketName)

	spec, err := ParseConnSpec(config.ConnStr)
	if err != nil {
		return nil, err
	}
	tlsConfig := config.TLSConfig
	if spec.UseTLS && tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}

	var seeds []string
	for _, hp := range spec.Hosts {
		seeds = append(seeds, fmt.Sprintf("%s:%d", hp.Host, hp.Port))
	}
	if len(seeds) == 0 {
		return nil, &KeyValueError{Kind: ErrInvalidArgument, Cause: fmt.Errorf("agent: connection string has no hosts")}
	}

	tracer := config.Tracer
	if tracer == nil {
		tracer = opentracing.NoopTracer{}
	}

	mux := newKVMux(KVMuxConfig{
		BucketName:  config.BucketName,
		Username:    config.Username,
		Password:    config.Password,
		TLSConfig:   tlsConfig,
		Mechanisms:  config.Mechanisms,
		DialTimeout: config.DialTimeout,
	})

	connectTimeout := config.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 60 * time.Second
	}
	bootstrapCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := mux.Bootstrap(bootstrapCtx, seeds); err != nil {
		return nil, err
	}

	retryStrategy := config.DefaultRetryStrategy
	disp := newDispatcher(mux, newRetryOrchestrator(retryStrategy))

	a := &Agent{
		clientID:   newClientContextID(),
		bucketName: config.BucketName,
		tracer:     tracer,
		kvMux:      mux,
		dispatcher: disp,
		crud:       newCrudClient(disp, config.BucketName),
		rangeScan:  newRangeScanCoordinator(disp),
		stats:      newStatsClient(mux),
		http:       newHTTPClient(mux.topology, config.Username, config.Password, tlsConfig),
	}

	clog.Infof("agent: %s bootstrapped against %d seed(s)", a.clientID, len(seeds))
	return a, nil
}

// ClientID returns the unique id generated for this agent.
func (a *Agent) ClientID() string {
	return a.clientID
}

// BucketName returns the name of the bucket this agent is bound to.
func (a *Agent) BucketName() string {
	return a.bucketName
}

// startSpan begins a root span for a dispatched operation, returning a
// context carrying it alongside a finish function.
func (a *Agent) startSpan(ctx context.Context, opName string) (context.Context, func()) {
	span := a.tracer.StartSpan(opName)
	span.SetTag("db.bucket", a.bucketName)
	span.SetTag("db.client_id", a.clientID)
	return opentracing.ContextWithSpan(ctx, span), span.Finish
}

// Get fetches a document, optionally a set of subdoc projections instead
// of the full body.
func (a *Agent) Get(ctx context.Context, scope, collection string, key []byte, opts GetOptions) (*Result, error) {
	ctx, finish := a.startSpan(ctx, "Get")
	defer finish()
	return a.crud.Get(ctx, scope, collection, key, opts)
}

// Insert creates a new document, failing if one already exists.
func (a *Agent) Insert(ctx context.Context, scope, collection string, key, value []byte, opts StoreOptions) (*Result, error) {
	ctx, finish := a.startSpan(ctx, "Insert")
	defer finish()
	return a.crud.Insert(ctx, scope, collection, key, value, opts)
}

// Upsert creates or unconditionally overwrites a document.
func (a *Agent) Upsert(ctx context.Context, scope, collection string, key, value []byte, opts StoreOptions) (*Result, error) {
	ctx, finish := a.startSpan(ctx, "Upsert")
	defer finish()
	return a.crud.Upsert(ctx, scope, collection, key, value, opts)
}

// Replace overwrites an existing document, cas-guarded if opts.Cas is set.
func (a *Agent) Replace(ctx context.Context, scope, collection string, key, value []byte, opts StoreOptions) (*Result, error) {
	ctx, finish := a.startSpan(ctx, "Replace")
	defer finish()
	return a.crud.Replace(ctx, scope, collection, key, value, opts)
}

// Remove deletes a document, cas-guarded if cas is non-zero.
func (a *Agent) Remove(ctx context.Context, scope, collection string, key []byte, cas uint64, opts CommonOptions) (*Result, error) {
	ctx, finish := a.startSpan(ctx, "Remove")
	defer finish()
	return a.crud.Remove(ctx, scope, collection, key, cas, opts)
}

// Touch updates a document's expiry without altering its value.
func (a *Agent) Touch(ctx context.Context, scope, collection string, key []byte, expiry uint32, opts CommonOptions) (*Result, error) {
	ctx, finish := a.startSpan(ctx, "Touch")
	defer finish()
	return a.crud.Touch(ctx, scope, collection, key, expiry, opts)
}

// GetAndLock fetches a document and acquires a pessimistic lock on it.
func (a *Agent) GetAndLock(ctx context.Context, scope, collection string, key []byte, lockTime uint32, opts CommonOptions) (*Result, error) {
	ctx, finish := a.startSpan(ctx, "GetAndLock")
	defer finish()
	return a.crud.GetAndLock(ctx, scope, collection, key, lockTime, opts)
}

// Unlock releases a lock acquired by GetAndLock.
func (a *Agent) Unlock(ctx context.Context, scope, collection string, key []byte, cas uint64, opts CommonOptions) error {
	ctx, finish := a.startSpan(ctx, "Unlock")
	defer finish()
	return a.crud.Unlock(ctx, scope, collection, key, cas, opts)
}

// ObserveSeqno reports a vbucket's persisted and in-memory sequence
// numbers as seen by the node that services the request.
func (a *Agent) ObserveSeqno(ctx context.Context, vbucket int, vbUUID uint64, opts CommonOptions) (*ObserveSeqnoResult, error) {
	ctx, finish := a.startSpan(ctx, "ObserveSeqno")
	defer finish()
	return a.crud.ObserveSeqno(ctx, vbucket, vbUUID, opts)
}

// GetReplica fetches a document from a specific replica index instead of
// the active node.
func (a *Agent) GetReplica(ctx context.Context, scope, collection string, key []byte, replicaIndex int, opts CommonOptions) (*Result, error) {
	ctx, finish := a.startSpan(ctx, "GetReplica")
	defer finish()
	return a.crud.GetReplica(ctx, scope, collection, key, replicaIndex, opts)
}

// GetAnyReplica reads key from the active node and every replica
// concurrently, waits for every read to finish, and returns the successful
// result with the lowest replica index. It reports
// ErrDocumentIrretrievable if every node fails to produce the document.
func (a *Agent) GetAnyReplica(ctx context.Context, scope, collection string, key []byte, opts CommonOptions) (*Result, error) {
	ctx, finish := a.startSpan(ctx, "GetAnyReplica")
	defer finish()
	return a.crud.GetAnyReplica(ctx, scope, collection, key, opts)
}

// GetAllReplicas reads key from the active node and every replica
// concurrently, returning every node's outcome. It reports
// ErrDocumentIrretrievable if every node fails to produce the document.
func (a *Agent) GetAllReplicas(ctx context.Context, scope, collection string, key []byte, opts CommonOptions) ([]ReplicaReadResult, error) {
	ctx, finish := a.startSpan(ctx, "GetAllReplicas")
	defer finish()
	return a.crud.GetAllReplicas(ctx, scope, collection, key, opts)
}

// LookupIn issues a subdoc multi-lookup.
func (a *Agent) LookupIn(ctx context.Context, scope, collection string, key []byte, specs []subdocSpec, opts CommonOptions) ([]subdocItemResult, uint64, error) {
	ctx, finish := a.startSpan(ctx, "LookupIn")
	defer finish()
	return a.crud.LookupIn(ctx, scope, collection, key, specs, opts)
}

// MutateIn issues a subdoc multi-mutation.
func (a *Agent) MutateIn(
	ctx context.Context, scope, collection string, key []byte, specs []subdocSpec,
	cas uint64, durability DurabilityLevel, durabilityTimeout time.Duration, opts CommonOptions,
) (uint64, *MutationToken, error) {
	ctx, finish := a.startSpan(ctx, "MutateIn")
	defer finish()
	return a.crud.MutateIn(ctx, scope, collection, key, specs, cas, durability, durabilityTimeout, opts)
}

// RangeScanCreate starts a range/prefix/sampling scan against vbucket.
func (a *Agent) RangeScanCreate(ctx context.Context, vbucket int, opts RangeScanOptions, deadline time.Time) ([]byte, error) {
	ctx, finish := a.startSpan(ctx, "RangeScanCreate")
	defer finish()
	return a.rangeScan.Create(ctx, vbucket, opts, deadline)
}

// RangeScanContinue streams items from a previously-created scan.
func (a *Agent) RangeScanContinue(
	ctx context.Context, scanUUID []byte, vbucket int, maxItems, maxBytes int, timeout time.Duration,
	deadline time.Time, itemCB func(ScanItem),
) error {
	ctx, finish := a.startSpan(ctx, "RangeScanContinue")
	defer finish()
	return a.rangeScan.Continue(ctx, scanUUID, vbucket, uint32(maxItems), uint32(maxBytes), timeout, deadline,
		func(item ScanItem) error { itemCB(item); return nil })
}

// RangeScanCancel cancels a previously-created scan. Idempotent.
func (a *Agent) RangeScanCancel(ctx context.Context, scanUUID []byte, vbucket int, deadline time.Time) error {
	ctx, finish := a.startSpan(ctx, "RangeScanCancel")
	defer finish()
	return a.rangeScan.Cancel(ctx, scanUUID, vbucket, deadline)
}

// Query executes an N1QL statement, returning a streamed row set.
func (a *Agent) Query(ctx context.Context, statementJSON []byte) (*HTTPRowStream, error) {
	ctx, finish := a.startSpan(ctx, "Query")
	defer finish()
	return a.http.Execute(ctx, ServiceQuery, "POST", "/query/service", statementJSON)
}

// Analytics executes an Analytics statement, returning a streamed row set.
func (a *Agent) Analytics(ctx context.Context, statementJSON []byte) (*HTTPRowStream, error) {
	ctx, finish := a.startSpan(ctx, "Analytics")
	defer finish()
	return a.http.Execute(ctx, ServiceAnalytics, "POST", "/analytics/service", statementJSON)
}

// Search executes an FTS query against the named index, returning a
// streamed hit set.
func (a *Agent) Search(ctx context.Context, indexName string, queryJSON []byte) (*HTTPRowStream, error) {
	ctx, finish := a.startSpan(ctx, "Search")
	defer finish()
	return a.http.Execute(ctx, ServiceSearch, "POST", fmt.Sprintf("/api/index/%s/query", indexName), queryJSON)
}

// View executes a map-reduce view query, returning a streamed row set.
func (a *Agent) View(ctx context.Context, designDoc, viewName string, queryJSON []byte) (*HTTPRowStream, error) {
	ctx, finish := a.startSpan(ctx, "View")
	defer finish()
	path := fmt.Sprintf("/_design/%s/_view/%s", designDoc, viewName)
	return a.http.Execute(ctx, ServiceView, "GET", path, queryJSON)
}

// Management issues a cluster-management HTTP request (e.g. bucket or
// user administration).
func (a *Agent) Management(ctx context.Context, method, path string, body []byte) (*HTTPRowStream, error) {
	ctx, finish := a.startSpan(ctx, "Management")
	defer finish()
	return a.http.Execute(ctx, ServiceManagement, method, path, body)
}

// Stats issues a STAT request for group against every currently-Ready
// KV node.
func (a *Agent) Stats(ctx context.Context, group string, deadline time.Time) map[string]StatResult {
	ctx, finish := a.startSpan(ctx, "Stats")
	defer finish()
	return a.stats.Get(ctx, group, deadline)
}

// EndpointPingResult is one endpoint's outcome within a Ping call.
type EndpointPingResult struct {
	Remote  string
	Latency time.Duration
	Err     error
}

// PingResult aggregates Ping's per-service, per-endpoint results.
type PingResult struct {
	ConfigRev int64
	KeyValue  []EndpointPingResult
	HTTP      map[ServiceKind][]EndpointPingResult
}

// statsPath is the supplemental management endpoint used only to confirm
// an HTTP service endpoint is alive, per the diagnostics surface.
const statsPath = "/pools/default/buckets/%s/stats"

// Ping dispatches a lightweight no-op request to every currently-Ready KV
// connection and every configured HTTP endpoint, aggregating per-endpoint
// latency and error without affecting application traffic.
func (a *Agent) Ping(ctx context.Context) (*PingResult, error) {
	ctx, finish := a.startSpan(ctx, "Ping")
	defer finish()

	result := &PingResult{HTTP: make(map[ServiceKind][]EndpointPingResult)}

	cfg := a.kvMux.topology.Current()
	if cfg != nil {
		result.ConfigRev = cfg.Revision
	}

	a.kvMux.mu.RLock()
	conns := make(map[string]*kvClient, len(a.kvMux.conns))
	for addr, c := range a.kvMux.conns {
		conns[addr] = c
	}
	a.kvMux.mu.RUnlock()

	for addr, c := range conns {
		start := time.Now()
		if c.State() != kvStateReady {
			result.KeyValue = append(result.KeyValue, EndpointPingResult{
				Remote: addr,
				Err:    newKVError(ErrDisconnected, OpContext{LastDispatchedTo: addr}, nil),
			})
			continue
		}
		_, err := c.Dispatch(ctx, &memdPacket{Magic: magicReq, Opcode: opNoop}, true)
		result.KeyValue = append(result.KeyValue, EndpointPingResult{Remote: addr, Latency: time.Since(start), Err: err})
	}

	if cfg != nil {
		for _, svc := range []ServiceKind{ServiceQuery, ServiceAnalytics, ServiceSearch, ServiceView, ServiceManagement} {
			for i := range cfg.Nodes {
				host, port, err := a.kvMux.topology.endpointForNode(cfg, i, svc)
				if err != nil {
					continue
				}
				remote := fmt.Sprintf("%s:%d", host, port)
				path := "/"
				if svc == ServiceManagement {
					path = fmt.Sprintf(statsPath, a.bucketName)
				}
				start := time.Now()
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+remote+path, nil)
				if err == nil {
					req.SetBasicAuth(a.http.username, a.http.password)
					var resp *http.Response
					if resp, err = a.http.client.Do(req); err == nil {
						resp.Body.Close()
						if resp.StatusCode < 200 || resp.StatusCode >= 300 {
							err = &HTTPError{StatusCode: resp.StatusCode, Hostname: host, Port: port, Method: http.MethodGet, Path: path}
						}
					}
				}
				result.HTTP[svc] = append(result.HTTP[svc], EndpointPingResult{Remote: remote, Latency: time.Since(start), Err: err})
			}
		}
	}

	return result, nil
}

// WaitUntilReady polls the topology model until a cluster-config snapshot
// has been accepted or deadline elapses.
func (a *Agent) WaitUntilReady(ctx context.Context, deadline time.Time) error {
	for {
		if a.kvMux.topology.Current() != nil {
			return nil
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return newKVError(ErrTimeout, OpContext{}, fmt.Errorf("agent: WaitUntilReady deadline exceeded"))
		}
	}
}

// Close shuts down the agent, disconnecting from every server.
func (a *Agent) Close() error {
	clog.Infof("agent: %s closing", a.clientID)
	return a.kvMux.Close()
}
