// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// HostPort is one bootstrap address parsed from a connection string.
type HostPort struct {
	Host string
	Port int
}

// ConnSpec is the parsed form of a connection string:
// scheme://host[:port][,host[:port]]*[?option=value&...]
type ConnSpec struct {
	UseTLS  bool
	Hosts   []HostPort
	Options map[string][]string
}

// defaultPortFor returns the implicit port for a host entry with no
// explicit port, based on the scheme.
func defaultPortFor(useTLS bool) int {
	if useTLS {
		return 11207
	}
	return 11210
}

// ParseConnSpec parses a connection string of the form
// scheme://host[:port][,host[:port]]*[?option=value&...]. The scheme
// selects TLS vs. plaintext bootstrap: "couchbases"/"https" select TLS,
// anything else plaintext.
func ParseConnSpec(connStr string) (*ConnSpec, error) {
	schemeSep := strings.Index(connStr, "://")
	if schemeSep < 0 {
		return nil, &KeyValueError{Kind: ErrParsingFailure, Cause: fmt.Errorf("connection string missing scheme: %q", connStr)}
	}
	scheme := connStr[:schemeSep]
	rest := connStr[schemeSep+3:]

	useTLS := scheme == "couchbases" || scheme == "https"

	hostPart := rest
	var query string
	if idx := strings.IndexByte(rest, '?'); idx >= 0 {
		hostPart = rest[:idx]
		query = rest[idx+1:]
	}
	if hostPart == "" {
		return nil, &KeyValueError{Kind: ErrParsingFailure, Cause: fmt.Errorf("connection string has no hosts: %q", connStr)}
	}

	var hosts []HostPort
	for _, entry := range strings.Split(hostPart, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		host := entry
		port := defaultPortFor(useTLS)
		if idx := strings.LastIndexByte(entry, ':'); idx >= 0 {
			host = entry[:idx]
			p, err := strconv.Atoi(entry[idx+1:])
			if err != nil {
				return nil, &KeyValueError{Kind: ErrParsingFailure, Cause: fmt.Errorf("invalid port in %q: %w", entry, err)}
			}
			port = p
		}
		hosts = append(hosts, HostPort{Host: host, Port: port})
	}
	if len(hosts) == 0 {
		return nil, &KeyValueError{Kind: ErrParsingFailure, Cause: fmt.Errorf("connection string has no usable hosts: %q", connStr)}
	}

	options := make(map[string][]string)
	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return nil, &KeyValueError{Kind: ErrParsingFailure, Cause: fmt.Errorf("invalid options in connection string: %w", err)}
		}
		options = map[string][]string(values)
	}

	return &ConnSpec{UseTLS: useTLS, Hosts: hosts, Options: options}, nil
}

// Option returns the last value supplied for name, matching the
// connection-string convention that repeated options override earlier
// ones.
func (c *ConnSpec) Option(name string) (string, bool) {
	vals := c.Options[name]
	if len(vals) == 0 {
		return "", false
	}
	return vals[len(vals)-1], true
}
