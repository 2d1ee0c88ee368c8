// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"encoding/binary"
	"fmt"
)

// memdMagic distinguishes request/response frames and flags the presence
// of flexible framing extras, per the wire format in the binary codec
// design.
type memdMagic uint8

const (
	magicReq        memdMagic = 0x80
	magicRes        memdMagic = 0x81
	magicReqExt     memdMagic = 0x08
	magicResExt     memdMagic = 0x18
	memdHeaderLen             = 24
)

// memdOpcode enumerates the request opcodes the core dispatches.
type memdOpcode uint8

const (
	opGet                   memdOpcode = 0x00
	opSet                   memdOpcode = 0x01
	opAdd                   memdOpcode = 0x02
	opReplace               memdOpcode = 0x03
	opDelete                memdOpcode = 0x04
	opNoop                  memdOpcode = 0x0a
	opStat                  memdOpcode = 0x10
	opTouch                 memdOpcode = 0x1c
	opHello                 memdOpcode = 0x1f
	opSASLListMechs         memdOpcode = 0x20
	opSASLAuth              memdOpcode = 0x21
	opSASLStep              memdOpcode = 0x22
	opGetClusterConfig      memdOpcode = 0xb5
	opGetCollectionsManifest memdOpcode = 0xba
	opGetCollectionID       memdOpcode = 0xbb
	opSelectBucket          memdOpcode = 0x89
	opGetAndLock            memdOpcode = 0x94
	opUnlock                memdOpcode = 0x95
	opObserveSeqno          memdOpcode = 0x91
	opGetReplica            memdOpcode = 0x83
	opSubdocMultiLookup     memdOpcode = 0xd0
	opSubdocMultiMutation   memdOpcode = 0xd1
	opRangeScanCreate       memdOpcode = 0xda
	opRangeScanContinue     memdOpcode = 0xdb
	opRangeScanCancel       memdOpcode = 0xdc
	opGetErrorMap           memdOpcode = 0xfe
	opClustermapChangeNotif memdOpcode = 0xff
)

// memdStatus is the protocol status code returned in every response
// header.
type memdStatus uint16

const (
	statusSuccess                      memdStatus = 0x00
	statusKeyNotFound                  memdStatus = 0x01
	statusKeyExists                    memdStatus = 0x02
	statusTooBig                       memdStatus = 0x03
	statusInvalidArgs                  memdStatus = 0x04
	statusNotStored                    memdStatus = 0x05
	statusDeltaBadVal                  memdStatus = 0x06
	statusNotMyVbucket                 memdStatus = 0x07
	statusNoBucket                     memdStatus = 0x08
	statusLocked                       memdStatus = 0x09
	statusAuthError                    memdStatus = 0x20
	statusAuthContinue                 memdStatus = 0x21
	statusRangeScanMore                memdStatus = 0xa8
	statusRangeScanComplete            memdStatus = 0xa9
	statusRangeScanCancelled           memdStatus = 0xaa
	statusUnknownCollection            memdStatus = 0x88
	statusUnknownScope                 memdStatus = 0x8c
	statusDurabilityInvalidLevel       memdStatus = 0xa0
	statusDurabilityImpossible         memdStatus = 0xa1
	statusSyncWriteInProgress          memdStatus = 0xa2
	statusSyncWriteAmbiguous           memdStatus = 0xa3
	statusSyncWriteRecommitInProgress  memdStatus = 0xa4
	statusTempFailure                  memdStatus = 0x86
	statusBusy                         memdStatus = 0x85
	statusUnknownCommand               memdStatus = 0x81
)

// memdPacket represents one decoded/encoded frame: the 24-byte header plus
// the framing-extras, extras, key and value segments of the body.
type memdPacket struct {
	Magic         memdMagic
	Opcode        memdOpcode
	Datatype      uint8
	Status        memdStatus
	Vbucket       uint16 // request: vbucket id (wire-encoded). response: the vbucket the dispatcher routed the request to (not wire-decoded; the same header offset carries Status on a response frame)
	Opaque        uint32
	Cas           uint64
	FramingExtras []byte
	Extras        []byte
	Key           []byte
	Value         []byte

	pendingSegments pendingSegmentsHolder
}

// isResponse reports whether the magic byte marks this packet as a
// response frame.
func (m memdMagic) isResponse() bool {
	return m == magicRes || m == magicResExt
}

// hasFlexFraming reports whether the magic byte indicates flexible
// framing extras are present ahead of extras/key/value.
func (m memdMagic) hasFlexFraming() bool {
	return m == magicReqExt || m == magicResExt
}

// encode serializes the packet into wire format, validating that the
// segment lengths fit their header fields.
func (p *memdPacket) encode() ([]byte, error) {
	if len(p.FramingExtras) > 0xff {
		return nil, fmt.Errorf("memdpacket: framing extras too large (%d bytes)", len(p.FramingExtras))
	}
	if len(p.Extras) > 0xff {
		return nil, fmt.Errorf("memdpacket: extras too large (%d bytes)", len(p.Extras))
	}
	if len(p.Key) > 0xffff {
		return nil, fmt.Errorf("memdpacket: key too large (%d bytes)", len(p.Key))
	}

	keyLen := len(p.Key)
	bodyLen := len(p.FramingExtras) + len(p.Extras) + keyLen + len(p.Value)

	buf := make([]byte, memdHeaderLen+bodyLen)
	buf[0] = byte(p.Magic)
	buf[1] = byte(p.Opcode)

	if p.Magic.hasFlexFraming() {
		// In the flexible-framing layout byte[2] carries the framing
		// extras length and byte[3] the key length, both as single bytes.
		buf[2] = byte(len(p.FramingExtras))
		buf[3] = byte(keyLen)
	} else {
		binary.BigEndian.PutUint16(buf[2:4], uint16(keyLen))
	}

	buf[4] = byte(len(p.Extras))
	buf[5] = p.Datatype
	if p.Magic.isResponse() {
		binary.BigEndian.PutUint16(buf[6:8], uint16(p.Status))
	} else {
		binary.BigEndian.PutUint16(buf[6:8], p.Vbucket)
	}
	binary.BigEndian.PutUint32(buf[8:12], uint32(bodyLen))
	binary.BigEndian.PutUint32(buf[12:16], p.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], p.Cas)

	off := memdHeaderLen
	off += copy(buf[off:], p.FramingExtras)
	off += copy(buf[off:], p.Extras)
	off += copy(buf[off:], p.Key)
	copy(buf[off:], p.Value)

	return buf, nil
}

// decodeHeader parses the fixed 24-byte header, returning the body length
// still to be read from the connection.
func decodeHeader(hdr []byte, p *memdPacket) (bodyLen uint32, err error) {
	if len(hdr) != memdHeaderLen {
		return 0, fmt.Errorf("memdpacket: header must be %d bytes, got %d", memdHeaderLen, len(hdr))
	}

	p.Magic = memdMagic(hdr[0])
	p.Opcode = memdOpcode(hdr[1])

	var framingExtrasLen, extrasLen, keyLen int
	if p.Magic.hasFlexFraming() {
		framingExtrasLen = int(hdr[2])
		keyLen = int(hdr[3])
	} else {
		keyLen = int(binary.BigEndian.Uint16(hdr[2:4]))
	}
	extrasLen = int(hdr[4])
	p.Datatype = hdr[5]

	if p.Magic.isResponse() {
		p.Status = memdStatus(binary.BigEndian.Uint16(hdr[6:8]))
	} else {
		p.Vbucket = binary.BigEndian.Uint16(hdr[6:8])
	}

	bodyLen = binary.BigEndian.Uint32(hdr[8:12])
	p.Opaque = binary.BigEndian.Uint32(hdr[12:16])
	p.Cas = binary.BigEndian.Uint64(hdr[16:24])

	minBody := framingExtrasLen + extrasLen + keyLen
	if int(bodyLen) < minBody {
		return 0, fmt.Errorf("memdpacket: body length %d shorter than framing+extras+key %d", bodyLen, minBody)
	}

	p.FramingExtras = nil
	p.Extras = nil
	p.Key = nil

	// Stash the segment lengths on the packet via the body buffer split
	// performed by decodeBody once the full body has been read.
	p.pendingSegments = [3]int{framingExtrasLen, extrasLen, keyLen}
	return bodyLen, nil
}

// pendingSegments is not part of the wire format; it's populated by
// decodeHeader and consumed by decodeBody to split the single body read
// into its four logical segments without a second I/O round trip.
type pendingSegmentsHolder = [3]int

// decodeBody splits a fully-read body buffer into framing extras, extras,
// key and value according to the lengths recorded by decodeHeader.
func decodeBody(p *memdPacket, body []byte) error {
	fLen, eLen, kLen := p.pendingSegments[0], p.pendingSegments[1], p.pendingSegments[2]
	if fLen+eLen+kLen > len(body) {
		return fmt.Errorf("memdpacket: recorded segment lengths exceed body size")
	}
	off := 0
	if fLen > 0 {
		p.FramingExtras = body[off : off+fLen]
		off += fLen
	}
	if eLen > 0 {
		p.Extras = body[off : off+eLen]
		off += eLen
	}
	if kLen > 0 {
		p.Key = body[off : off+kLen]
		off += kLen
	}
	p.Value = body[off:]
	return nil
}
