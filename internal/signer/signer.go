// Package signer produces the canonical request bytes and HMAC signatures
// shared by every bus-facing component. The bus verifies the HMAC over the
// exact raw body it receives, so canonicalization must be reproduced
// bit-for-bit: sorted keys, compact separators, UTF-8.
package signer

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// DefaultHeaders is the compatibility set of signature header names the bus
// has accepted across deployments. The sender sends the same signature under
// all of them; the receiver needs to recognize at least one.
var DefaultHeaders = []string{
	"X-Nova-Signature",
	"X-OUTBOX-SIGN",
	"X-NT-Sig",
	"X-TELEMETRY-SIGN",
}

// Canonical serializes body to canonical JSON bytes: lexicographically
// sorted keys at every nesting level, no insignificant whitespace.
func Canonical(body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal body: %w", err)
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber() // keep numeric formatting stable across round-trips
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to re-decode body: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(t.String())
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// Sign computes HMAC-SHA256(secret, raw) rendered as lowercase hex.
func Sign(secret string, raw []byte) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks sig against the expected signature in constant time.
func Verify(secret string, raw []byte, sig string) bool {
	expected := Sign(secret, raw)
	if expected == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(sig))
}

// Headers returns the signature for raw under every name in names
// (DefaultHeaders when names is empty).
func Headers(secret string, raw []byte, names ...string) map[string]string {
	if len(names) == 0 {
		names = DefaultHeaders
	}
	sig := Sign(secret, raw)
	h := make(map[string]string, len(names))
	for _, n := range names {
		h[n] = sig
	}
	return h
}
