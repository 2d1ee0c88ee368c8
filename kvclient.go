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
	"sync/atomic"
	"time"

	"github.com/couchbase/gocbcore/internal/clog"
)

// kvConnState is one state in the connection lifecycle described by the
// KV connection design: Connecting -> Hello -> SaslStart -> SaslStep* ->
// SelectBucket -> Ready -> Draining -> Closed.
type kvConnState int32

const (
	kvStateConnecting kvConnState = iota
	kvStateHello
	kvStateSaslStart
	kvStateSaslStep
	kvStateSelectBucket
	kvStateReady
	kvStateDraining
	kvStateClosed
)

func (s kvConnState) String() string {
	switch s {
	case kvStateConnecting:
		return "connecting"
	case kvStateHello:
		return "hello"
	case kvStateSaslStart:
		return "sasl_start"
	case kvStateSaslStep:
		return "sasl_step"
	case kvStateSelectBucket:
		return "select_bucket"
	case kvStateReady:
		return "ready"
	case kvStateDraining:
		return "draining"
	case kvStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// helloFeature is one feature code exchanged during HELLO negotiation.
type helloFeature uint16

const (
	featureDatatype       helloFeature = 0x01
	featureTLS            helloFeature = 0x02
	featureDuplex         helloFeature = 0x0b
	featureClustermapChangeNotif helloFeature = 0x0e
	featureUnorderedExec  helloFeature = 0x0f
	featureSnappy         helloFeature = 0x0a
	featureJSON           helloFeature = 0x12
	featureMutationSeqno  helloFeature = 0x04
	featureXattr          helloFeature = 0x06
	featureSelectBucket   helloFeature = 0x08
	featureAltRequest     helloFeature = 0x10
	featureCollections    helloFeature = 0x13
)

// defaultHelloFeatures is the feature vector every connection requests,
// per §4.3: select-bucket, mutation-seqno, xattr, snappy, duplex,
// alt-requests, collections, JSON, clustermap-change-notifications and
// unordered execution.
var defaultHelloFeatures = []helloFeature{
	featureSelectBucket,
	featureMutationSeqno,
	featureXattr,
	featureSnappy,
	featureDuplex,
	featureAltRequest,
	featureCollections,
	featureJSON,
	featureClustermapChangeNotif,
	featureUnorderedExec,
}

// KVClientConfig configures one KV connection.
type KVClientConfig struct {
	Address      string
	TLSConfig    *tls.Config // nil means plaintext
	BucketName   string      // empty means no SELECT_BUCKET step
	Username     string
	Password     string
	Mechanisms   []SASLMechanism // client-allowed mechanisms; order is not significant
	DialTimeout  time.Duration

	// OnClustermapChange, when non-nil, is invoked with the raw JSON
	// payload of a server-pushed ClustermapChangeNotification.
	OnClustermapChange func(bucketName string, payload []byte)
}

// outstandingRequest is one in-flight request awaiting its response,
// keyed by opaque in the pending map.
type outstandingRequest struct {
	opaque       uint32
	idempotent   bool
	dispatchedAt time.Time
	resultCh     chan kvResult
}

// kvResult is delivered to the waiter of a dispatched request: either the
// decoded response packet, or an error if the connection failed before a
// response arrived.
type kvResult struct {
	packet *memdPacket
	err    error
}

// kvClient is a single connection to one KV node, implementing the state
// machine and the opaque-keyed pending-request table described in the KV
// connection design and its concurrency model: the pending map is
// protected by mu, and the reader goroutine is the sole reader of conn.
type kvClient struct {
	cfg  KVClientConfig
	conn net.Conn

	state atomic.Int32

	mu         sync.Mutex
	pending    map[uint32]*outstandingRequest
	nextOpaque uint32

	negotiatedFeatures map[helloFeature]bool
	selectedMech       SASLMechanism

	closeOnce sync.Once
	closeCh   chan struct{}

	reconnectAttempts int
}

func newKVClient(cfg KVClientConfig) *kvClient {
	return &kvClient{
		cfg:                cfg,
		pending:            make(map[uint32]*outstandingRequest),
		negotiatedFeatures: make(map[helloFeature]bool),
		closeCh:            make(chan struct{}),
	}
}

func (c *kvClient) State() kvConnState {
	return kvConnState(c.state.Load())
}

func (c *kvClient) setState(s kvConnState) {
	c.state.Store(int32(s))
	clog.Debugf("kvclient: %s -> %s", c.cfg.Address, s)
}

// Connect dials the node and drives it through HELLO, SASL and
// SELECT_BUCKET to Ready, starting the background reader loop on success.
func (c *kvClient) Connect(ctx context.Context) error {
	c.setState(kvStateConnecting)

	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	var conn net.Conn
	var err error
	if c.cfg.TLSConfig != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", c.cfg.Address, c.cfg.TLSConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.cfg.Address)
	}
	if err != nil {
		return newKVError(ErrDisconnected, OpContext{LastDispatchedTo: c.cfg.Address}, err)
	}
	c.conn = conn

	if err := c.doHello(ctx); err != nil {
		conn.Close()
		return err
	}
	if err := c.doAuth(ctx); err != nil {
		conn.Close()
		return err
	}
	if c.cfg.BucketName != "" {
		if err := c.doSelectBucket(ctx); err != nil {
			conn.Close()
			return err
		}
	}

	c.setState(kvStateReady)
	go c.readLoop()
	return nil
}

func (c *kvClient) doHello(ctx context.Context) error {
	c.setState(kvStateHello)

	body := make([]byte, 0, len(defaultHelloFeatures)*2)
	for _, f := range defaultHelloFeatures {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(f))
		body = append(body, b[:]...)
	}

	req := &memdPacket{Magic: magicReq, Opcode: opHello, Key: []byte("gocbcore"), Value: body}
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	if resp.Status != statusSuccess {
		return newKVError(ErrParsingFailure, OpContext{LastDispatchedTo: c.cfg.Address},
			fmt.Errorf("kvclient: HELLO rejected with status 0x%x", resp.Status))
	}
	for i := 0; i+1 < len(resp.Value); i += 2 {
		f := helloFeature(binary.BigEndian.Uint16(resp.Value[i : i+2]))
		c.negotiatedFeatures[f] = true
	}
	return nil
}

func (c *kvClient) doAuth(ctx context.Context) error {
	c.setState(kvStateSaslStart)

	listReq := &memdPacket{Magic: magicReq, Opcode: opSASLListMechs}
	listResp, err := c.roundTrip(ctx, listReq)
	if err != nil {
		return err
	}
	serverMechs := parseMechList(string(listResp.Value))

	mech, ok := selectMechanism(serverMechs, c.cfg.Mechanisms)
	if !ok {
		return newKVError(ErrAuthenticationFailure, OpContext{LastDispatchedTo: c.cfg.Address},
			fmt.Errorf("kvclient: no mutually supported SASL mechanism"))
	}
	c.selectedMech = mech

	if mech == SASLPlain {
		authReq := &memdPacket{Magic: magicReq, Opcode: opSASLAuth, Key: []byte(mech), Value: plainAuthPayload(c.cfg.Username, c.cfg.Password)}
		resp, err := c.roundTrip(ctx, authReq)
		if err != nil {
			return err
		}
		if resp.Status != statusSuccess {
			return newKVError(ErrAuthenticationFailure, OpContext{LastDispatchedTo: c.cfg.Address}, nil)
		}
		return nil
	}

	scram, err := newScramClient(mech, c.cfg.Username, c.cfg.Password)
	if err != nil {
		return err
	}
	authReq := &memdPacket{Magic: magicReq, Opcode: opSASLAuth, Key: []byte(mech), Value: []byte(scram.firstMessage())}
	resp, err := c.roundTrip(ctx, authReq)
	if err != nil {
		return err
	}
	if resp.Status != statusAuthContinue {
		return newKVError(ErrAuthenticationFailure, OpContext{LastDispatchedTo: c.cfg.Address},
			fmt.Errorf("kvclient: expected SASL continue, got status 0x%x", resp.Status))
	}

	c.setState(kvStateSaslStep)
	clientFinal, err := scram.finalMessage(string(resp.Value))
	if err != nil {
		return newKVError(ErrAuthenticationFailure, OpContext{LastDispatchedTo: c.cfg.Address}, err)
	}
	stepReq := &memdPacket{Magic: magicReq, Opcode: opSASLStep, Key: []byte(mech), Value: []byte(clientFinal)}
	stepResp, err := c.roundTrip(ctx, stepReq)
	if err != nil {
		return err
	}
	if stepResp.Status != statusSuccess {
		return newKVError(ErrAuthenticationFailure, OpContext{LastDispatchedTo: c.cfg.Address}, nil)
	}
	if err := scram.verifyServerFinal(string(stepResp.Value)); err != nil {
		return newKVError(ErrAuthenticationFailure, OpContext{LastDispatchedTo: c.cfg.Address}, err)
	}
	return nil
}

func (c *kvClient) doSelectBucket(ctx context.Context) error {
	c.setState(kvStateSelectBucket)
	req := &memdPacket{Magic: magicReq, Opcode: opSelectBucket, Key: []byte(c.cfg.BucketName)}
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	switch resp.Status {
	case statusSuccess:
		return nil
	case statusAuthError:
		return newKVError(ErrPermissionDenied, OpContext{LastDispatchedTo: c.cfg.Address}, nil)
	default:
		return newKVError(ErrBucketNotFound, OpContext{LastDispatchedTo: c.cfg.Address},
			fmt.Errorf("kvclient: SELECT_BUCKET failed with status 0x%x", resp.Status))
	}
}

// roundTrip is used only during the pre-Ready handshake, where requests
// and responses are strictly ordered: it writes the request, then reads
// exactly one response directly off the connection without the pending
// map or reader goroutine.
func (c *kvClient) roundTrip(ctx context.Context, req *memdPacket) (*memdPacket, error) {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(dl)
		defer c.conn.SetDeadline(time.Time{})
	}
	if err := writePacket(c.conn, req); err != nil {
		return nil, newKVError(ErrDisconnected, OpContext{LastDispatchedTo: c.cfg.Address}, err)
	}
	resp, err := readPacket(c.conn)
	if err != nil {
		return nil, newKVError(ErrDisconnected, OpContext{LastDispatchedTo: c.cfg.Address}, err)
	}
	return resp, nil
}

// Dispatch sends a fully-formed request once the connection is Ready and
// waits for its matching response or ctx cancellation/deadline.
func (c *kvClient) Dispatch(ctx context.Context, req *memdPacket, idempotent bool) (*memdPacket, error) {
	if c.State() != kvStateReady {
		return nil, newKVError(ErrDisconnected, OpContext{LastDispatchedTo: c.cfg.Address},
			fmt.Errorf("kvclient: connection is %s, not ready", c.State()))
	}

	opaque := c.allocOpaque()
	req.Opaque = opaque
	out := &outstandingRequest{opaque: opaque, idempotent: idempotent, dispatchedAt: time.Now(), resultCh: make(chan kvResult, 1)}

	c.mu.Lock()
	c.pending[opaque] = out
	c.mu.Unlock()

	if err := writePacket(c.conn, req); err != nil {
		c.mu.Lock()
		delete(c.pending, opaque)
		c.mu.Unlock()
		return nil, newKVError(ErrDisconnected, OpContext{LastDispatchedTo: c.cfg.Address}, err)
	}

	select {
	case res := <-out.resultCh:
		return res.packet, res.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, opaque)
		c.mu.Unlock()
		return nil, newKVError(ErrRequestCanceled, OpContext{LastDispatchedTo: c.cfg.Address}, ctx.Err())
	case <-c.closeCh:
		return nil, newKVError(ErrDisconnected, OpContext{LastDispatchedTo: c.cfg.Address},
			fmt.Errorf("kvclient: connection closed while awaiting response"))
	}
}

func (c *kvClient) allocOpaque() uint32 {
	return atomic.AddUint32(&c.nextOpaque, 1)
}

// readLoop is the sole reader of conn for the lifetime of the Ready
// state. It demultiplexes responses by opaque to the pending requester,
// and routes server-initiated frames (cluster-map push notifications) to
// the configured callback.
func (c *kvClient) readLoop() {
	for {
		pkt, err := readPacket(c.conn)
		if err != nil {
			c.drainOnDisconnect(err)
			return
		}

		if pkt.Opcode == opClustermapChangeNotif {
			if c.cfg.OnClustermapChange != nil {
				c.cfg.OnClustermapChange(string(pkt.Key), pkt.Value)
			}
			continue
		}

		c.mu.Lock()
		out, ok := c.pending[pkt.Opaque]
		if ok {
			delete(c.pending, pkt.Opaque)
		}
		c.mu.Unlock()

		if !ok {
			clog.Warnf("kvclient: %s received response for unknown opaque %d", c.cfg.Address, pkt.Opaque)
			continue
		}
		out.resultCh <- kvResult{packet: pkt}
	}
}

// drainOnDisconnect transitions the connection to Draining, fails every
// pending request with Disconnected, and closes closeCh so in-flight
// Dispatch calls waiting on it unblock immediately.
func (c *kvClient) drainOnDisconnect(cause error) {
	c.setState(kvStateDraining)
	clog.Warnf("kvclient: %s disconnected: %v", c.cfg.Address, cause)

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint32]*outstandingRequest)
	c.mu.Unlock()

	err := newKVError(ErrDisconnected, OpContext{LastDispatchedTo: c.cfg.Address}, cause)
	for _, out := range pending {
		out.resultCh <- kvResult{err: err}
	}

	c.closeOnce.Do(func() { close(c.closeCh) })
	c.setState(kvStateClosed)
}

// Close drains the connection and transitions it to Closed. Safe to call
// more than once.
func (c *kvClient) Close() error {
	if c.State() == kvStateClosed {
		return nil
	}
	var err error
	if c.conn != nil {
		err = c.conn.Close()
	}
	c.drainOnDisconnect(fmt.Errorf("kvclient: closed by caller"))
	return err
}

// NextReconnectDelay returns the backoff delay for the next reconnect
// attempt and increments the internal attempt counter.
func (c *kvClient) NextReconnectDelay() time.Duration {
	d := reconnectBackoff(c.reconnectAttempts)
	c.reconnectAttempts++
	return d
}

func (c *kvClient) ResetReconnectAttempts() {
	c.reconnectAttempts = 0
}
