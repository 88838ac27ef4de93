// Package signature signs and verifies request payloads with HMAC-SHA512 over a
// canonical JSON rendering of the payload.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"slices"
)

// emptyValues are canonical encodings that carry nothing worth signing.
var emptyValues = []string{"null", "{}", "[]", `""`}

// Header carries the payload signature on token requests.
const Header = "X-Signature"

// Signer computes keyed signatures using a shared secret. It never returns
// errors: a payload that cannot be canonicalised has no signature.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the lowercase hex HMAC-SHA512 of the canonical payload, or ""
// when the payload is empty or cannot be canonicalised. null, {}, [] and ""
// all count as empty.
func (s *Signer) Sign(payload any) string {
	canonical, ok := Canonicalize(payload)
	if !ok {
		return ""
	}
	return s.sign(canonical)
}

// Verify recomputes the signature for payload and compares it to signature in
// constant time. It returns false for an empty signature or payload.
func (s *Signer) Verify(signature string, payload any) bool {
	if signature == "" {
		return false
	}

	canonical, ok := Canonicalize(payload)
	if !ok {
		return false
	}

	// ConstantTimeCompare rejects a length mismatch up front and otherwise
	// accumulates the XOR of every byte pair.
	return subtle.ConstantTimeCompare([]byte(s.sign(canonical)), []byte(signature)) == 1
}

func (s *Signer) sign(canonical []byte) string {
	mac := hmac.New(sha512.New, s.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// Canonicalize renders payload as compact JSON. Textual payloads (string,
// []byte, json.RawMessage) must themselves be JSON; they are decoded and
// re-encoded so that whitespace and key order do not affect the result. Other
// values are encoded directly. The boolean is false for empty or invalid
// payloads.
func Canonicalize(payload any) ([]byte, bool) {
	var value any

	switch p := payload.(type) {
	case nil:
		return nil, false
	case string:
		return canonicalText([]byte(p))
	case []byte:
		return canonicalText(p)
	case json.RawMessage:
		return canonicalText(p)
	default:
		value = p
	}

	out, ok := encode(value)
	if !ok {
		return nil, false
	}

	// a second pass normalises values whose MarshalJSON emits non-canonical
	// output
	return canonicalText(out)
}

func canonicalText(text []byte) ([]byte, bool) {
	if len(bytes.TrimSpace(text)) == 0 {
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}

	return encode(value)
}

func encode(value any) ([]byte, bool) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return nil, false
	}

	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	if slices.Contains(emptyValues, string(out)) {
		return nil, false
	}
	return out, true
}
