// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SASLMechanism identifies one of the authentication mechanisms the
// handshake may negotiate, ordered here from weakest to strongest so
// selection can walk the list from the end.
type SASLMechanism string

// Supported mechanisms, strongest last.
const (
	SASLPlain        SASLMechanism = "PLAIN"
	SASLScramSHA1     SASLMechanism = "SCRAM-SHA1"
	SASLScramSHA256   SASLMechanism = "SCRAM-SHA256"
	SASLScramSHA512   SASLMechanism = "SCRAM-SHA512"
)

// mechanismPriority orders mechanisms from weakest to strongest; the
// handshake picks the strongest one present in both the client's desired
// set and the server-advertised set.
var mechanismPriority = []SASLMechanism{SASLPlain, SASLScramSHA1, SASLScramSHA256, SASLScramSHA512}

// selectMechanism picks the strongest mechanism present in both sets, per
// §4.3: SCRAM-SHA-512 > SCRAM-SHA-256 > SCRAM-SHA-1 > PLAIN.
func selectMechanism(serverMechs []SASLMechanism, clientAllowed []SASLMechanism) (SASLMechanism, bool) {
	serverSet := make(map[SASLMechanism]bool, len(serverMechs))
	for _, m := range serverMechs {
		serverSet[m] = true
	}
	clientSet := make(map[SASLMechanism]bool, len(clientAllowed))
	for _, m := range clientAllowed {
		clientSet[m] = true
	}

	for i := len(mechanismPriority) - 1; i >= 0; i-- {
		m := mechanismPriority[i]
		if serverSet[m] && clientSet[m] {
			return m, true
		}
	}
	return "", false
}

func parseMechList(payload string) []SASLMechanism {
	var out []SASLMechanism
	for _, tok := range strings.Fields(payload) {
		out = append(out, SASLMechanism(tok))
	}
	return out
}

// scramClient drives a SCRAM-SHA-{1,256,512} exchange for one auth
// attempt. It holds just enough state between the "client-first" and
// "client-final" messages to verify the server signature.
type scramClient struct {
	hashFn      func() hash.Hash
	username    string
	password    string
	clientNonce string
	clientFirstBare string
	saltedPassword  []byte
	authMessage     string
}

func newScramClient(mech SASLMechanism, username, password string) (*scramClient, error) {
	var hashFn func() hash.Hash
	switch mech {
	case SASLScramSHA1:
		hashFn = sha1.New
	case SASLScramSHA256:
		hashFn = sha256.New
	case SASLScramSHA512:
		hashFn = sha512.New
	default:
		return nil, fmt.Errorf("sasl: %s is not a SCRAM mechanism", mech)
	}
	return &scramClient{hashFn: hashFn, username: username, password: password}, nil
}

// firstMessage builds the SCRAM "client-first-message".
func (s *scramClient) firstMessage() string {
	s.clientNonce = base64.StdEncoding.EncodeToString(newNonce(24))
	s.clientFirstBare = fmt.Sprintf("n=%s,r=%s", saslEscape(s.username), s.clientNonce)
	return "n,," + s.clientFirstBare
}

// finalMessage consumes the server-first-message and returns the
// client-final-message to send in SASL STEP.
func (s *scramClient) finalMessage(serverFirst string) (string, error) {
	fields, err := parseScramFields(serverFirst)
	if err != nil {
		return "", err
	}
	serverNonce, ok := fields["r"]
	if !ok || !strings.HasPrefix(serverNonce, s.clientNonce) {
		return "", fmt.Errorf("sasl: server nonce does not extend client nonce")
	}
	saltB64, ok := fields["s"]
	if !ok {
		return "", fmt.Errorf("sasl: missing salt")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return "", fmt.Errorf("sasl: invalid salt encoding: %w", err)
	}
	iterStr, ok := fields["i"]
	if !ok {
		return "", fmt.Errorf("sasl: missing iteration count")
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations <= 0 {
		return "", fmt.Errorf("sasl: invalid iteration count %q", iterStr)
	}

	keyLen := s.hashFn().Size()
	s.saltedPassword = pbkdf2.Key([]byte(s.password), salt, iterations, keyLen, s.hashFn)

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, serverNonce)
	s.authMessage = s.clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof

	clientKey := hmacSum(s.hashFn, s.saltedPassword, []byte("Client Key"))
	storedKey := hashSum(s.hashFn, clientKey)
	clientSig := hmacSum(s.hashFn, storedKey, []byte(s.authMessage))
	clientProof := xorBytes(clientKey, clientSig)

	proofB64 := base64.StdEncoding.EncodeToString(clientProof)
	return clientFinalWithoutProof + ",p=" + proofB64, nil
}

// verifyServerFinal checks the server's signature in the "server-final-message"
// returned after a successful SASL STEP.
func (s *scramClient) verifyServerFinal(serverFinal string) error {
	fields, err := parseScramFields(serverFinal)
	if err != nil {
		return err
	}
	sigB64, ok := fields["v"]
	if !ok {
		return fmt.Errorf("sasl: missing server signature")
	}
	gotSig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("sasl: invalid server signature encoding: %w", err)
	}

	serverKey := hmacSum(s.hashFn, s.saltedPassword, []byte("Server Key"))
	wantSig := hmacSum(s.hashFn, serverKey, []byte(s.authMessage))
	if !hmac.Equal(gotSig, wantSig) {
		return fmt.Errorf("sasl: server signature mismatch")
	}
	return nil
}

func parseScramFields(msg string) (map[string]string, error) {
	fields := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("sasl: malformed SCRAM field %q", part)
		}
		fields[kv[0]] = kv[1]
	}
	return fields, nil
}

func hmacSum(hashFn func() hash.Hash, key, data []byte) []byte {
	h := hmac.New(hashFn, key)
	h.Write(data)
	return h.Sum(nil)
}

func hashSum(hashFn func() hash.Hash, data []byte) []byte {
	h := hashFn()
	h.Write(data)
	return h.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func saslEscape(s string) string {
	s = strings.ReplaceAll(s, "=", "=3D")
	s = strings.ReplaceAll(s, ",", "=2C")
	return s
}

// plainAuthPayload builds the PLAIN mechanism's single-message payload:
// authzid\0authcid\0passwd.
func plainAuthPayload(username, password string) []byte {
	return []byte("\x00" + username + "\x00" + password)
}
