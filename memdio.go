// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import "io"

// readPacket reads one full frame (header + body) off r, decoding it into
// a fresh memdPacket. It is used by both the KV connection reader loop
// and tests that want to round-trip encode/decode without a live socket.
func readPacket(r io.Reader) (*memdPacket, error) {
	var hdr [memdHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	p := &memdPacket{}
	bodyLen, err := decodeHeader(hdr[:], p)
	if err != nil {
		return nil, err
	}

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}
	if err := decodeBody(p, body); err != nil {
		return nil, err
	}
	return p, nil
}

// writePacket encodes and writes one frame to w.
func writePacket(w io.Writer, p *memdPacket) error {
	buf, err := p.encode()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
