// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/couchbase/gocbcore/internal/clog"
)

// failedEndpointGrace is how long an endpoint that returned a transport
// error is excluded from candidate selection, per the "prefer endpoints
// that haven't recently failed" rule.
const failedEndpointGrace = 10 * time.Second

// rowsFieldByService names the JSON array field each service streams its
// results under.
var rowsFieldByService = map[ServiceKind]string{
	ServiceQuery:      "results",
	ServiceAnalytics:  "results",
	ServiceSearch:     "hits",
	ServiceView:       "rows",
	ServiceManagement: "",
}

// httpClient is the shared HTTP service client for N1QL, Analytics, FTS,
// Views and cluster management, selecting an endpoint per request from
// the topology model and streaming row-based responses.
type httpClient struct {
	topology *TopologyModel
	username string
	password string

	client *http.Client

	mu      sync.Mutex
	failedAt map[string]time.Time
}

func newHTTPClient(topology *TopologyModel, username, password string, tlsConfig *tls.Config) *httpClient {
	transport := &http.Transport{TLSClientConfig: tlsConfig}
	// Opt into HTTP/2 when the server supports it; falls back to HTTP/1.1
	// transparently if negotiation fails.
	if err := http2.ConfigureTransport(transport); err != nil {
		clog.Warnf("httpclient: failed to configure HTTP/2 transport: %v", err)
	}
	return &httpClient{
		topology: topology,
		username: username,
		password: password,
		client:   &http.Client{Transport: transport},
		failedAt: make(map[string]time.Time),
	}
}

// HTTPRowStream streams a row-based service response: a JSON object
// containing metadata fields alongside one array field ("results",
// "rows" or "hits") that is decoded incrementally.
type HTTPRowStream struct {
	body      io.ReadCloser
	dec       *json.Decoder
	rowsField string
	inRows    bool
	done      bool
	meta      map[string]json.RawMessage
}

// NextRow returns the next row, or (nil, io.EOF) once the array and all
// trailing metadata fields have been consumed.
func (s *HTTPRowStream) NextRow() (json.RawMessage, error) {
	if s.done {
		return nil, io.EOF
	}
	if !s.inRows {
		if err := s.advanceToRows(); err != nil {
			return nil, err
		}
		if s.done {
			return nil, io.EOF
		}
	}

	if s.dec.More() {
		var row json.RawMessage
		if err := s.dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("httpclient: decoding row: %w", err)
		}
		return row, nil
	}

	// Array exhausted: consume "]" and any trailing top-level fields.
	if _, err := s.dec.Token(); err != nil {
		return nil, fmt.Errorf("httpclient: consuming end of rows array: %w", err)
	}
	s.inRows = false
	if err := s.consumeTrailingFields(); err != nil {
		return nil, err
	}
	s.done = true
	return nil, io.EOF
}

// Meta returns the non-row top-level fields collected so far (complete
// only once NextRow has returned io.EOF).
func (s *HTTPRowStream) Meta() map[string]json.RawMessage {
	return s.meta
}

func (s *HTTPRowStream) Close() error {
	return s.body.Close()
}

// advanceToRows walks top-level object fields, stashing each into meta,
// until it finds rowsField and positions the decoder just inside its
// array.
func (s *HTTPRowStream) advanceToRows() error {
	tok, err := s.dec.Token()
	if err != nil {
		return fmt.Errorf("httpclient: reading response object start: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("httpclient: expected a JSON object, got %v", tok)
	}

	for s.dec.More() {
		nameTok, err := s.dec.Token()
		if err != nil {
			return fmt.Errorf("httpclient: reading field name: %w", err)
		}
		name, _ := nameTok.(string)

		if name == s.rowsField {
			arrTok, err := s.dec.Token()
			if err != nil {
				return fmt.Errorf("httpclient: reading rows array start: %w", err)
			}
			if d, ok := arrTok.(json.Delim); !ok || d != '[' {
				return fmt.Errorf("httpclient: expected rows array, got %v", arrTok)
			}
			s.inRows = true
			return nil
		}

		var raw json.RawMessage
		if err := s.dec.Decode(&raw); err != nil {
			return fmt.Errorf("httpclient: decoding field %q: %w", name, err)
		}
		s.meta[name] = raw
	}

	// No rows field at all (e.g. a management-API JSON document): consume
	// the closing brace and mark done.
	if _, err := s.dec.Token(); err != nil {
		return fmt.Errorf("httpclient: consuming object end: %w", err)
	}
	s.done = true
	return nil
}

func (s *HTTPRowStream) consumeTrailingFields() error {
	for s.dec.More() {
		nameTok, err := s.dec.Token()
		if err != nil {
			return fmt.Errorf("httpclient: reading trailing field name: %w", err)
		}
		name, _ := nameTok.(string)
		var raw json.RawMessage
		if err := s.dec.Decode(&raw); err != nil {
			return fmt.Errorf("httpclient: decoding trailing field %q: %w", name, err)
		}
		s.meta[name] = raw
	}
	_, err := s.dec.Token() // closing "}"
	return err
}

// Execute selects an endpoint for svc, issues the request, and returns a
// row stream over the response body. Callers must Close the stream.
func (c *httpClient) Execute(ctx context.Context, svc ServiceKind, method, path string, body []byte) (*HTTPRowStream, error) {
	host, port, err := c.selectEndpoint(svc)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://%s:%d%s", host, port, path)
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, err
	}
	httpReq.SetBasicAuth(c.username, c.password)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.markFailed(host, port)
		return nil, &HTTPError{Hostname: host, Port: port, Method: method, Path: path, Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		prefix, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			BodyPrefix: string(prefix),
			Hostname:   host,
			Port:       port,
			Method:     method,
			Path:       path,
		}
	}

	return &HTTPRowStream{
		body:      resp.Body,
		dec:       json.NewDecoder(resp.Body),
		rowsField: rowsFieldByService[svc],
		meta:      make(map[string]json.RawMessage),
	}, nil
}

// selectEndpoint picks a candidate for svc, preferring ones that haven't
// failed within failedEndpointGrace; if every candidate is within its
// grace period it falls back to picking among all of them anyway, since
// refusing to try at all would be worse than retrying a flaky node.
func (c *httpClient) selectEndpoint(svc ServiceKind) (string, int, error) {
	cfg := c.topology.Current()
	if cfg == nil {
		return "", 0, fmt.Errorf("gocbcore: no cluster config available")
	}

	type candidate struct {
		host string
		port int
	}
	var fresh, all []candidate
	c.mu.Lock()
	for i := range cfg.Nodes {
		host, port, err := c.topology.endpointForNode(cfg, i, svc)
		if err != nil {
			continue
		}
		cand := candidate{host, port}
		all = append(all, cand)
		key := fmt.Sprintf("%s:%d", host, port)
		if t, failed := c.failedAt[key]; !failed || time.Since(t) > failedEndpointGrace {
			fresh = append(fresh, cand)
		}
	}
	c.mu.Unlock()

	pool := fresh
	if len(pool) == 0 {
		pool = all
	}
	if len(pool) == 0 {
		return "", 0, fmt.Errorf("gocbcore: no nodes host service %q", svc)
	}
	pick := pool[int(newClientContextIDHash()%uint64(len(pool)))]
	return pick.host, pick.port, nil
}

func (c *httpClient) markFailed(host string, port int) {
	c.mu.Lock()
	c.failedAt[fmt.Sprintf("%s:%d", host, port)] = time.Now()
	c.mu.Unlock()
}

// newClientContextIDHash returns a random uint64 used only to pick among
// equally-eligible endpoints without pulling math/rand into this file's
// import set redundantly.
func newClientContextIDHash() uint64 {
	buf := newNonce(8)
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return v
}
