// Package signature verifies provider webhook signatures.
//
// The provider signs the full request URL followed by every POST parameter
// sorted by name, each written as name then value with no separator, using
// HMAC-SHA1 keyed with the account auth token. The base64 digest is sent in
// the X-Provider-Signature header.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/url"
	"sort"
	"strings"
)

// Header carries the request signature
const Header = "X-Provider-Signature"

var (
	ErrMissingSignature = errors.New("missing provider signature")
	ErrInvalidSignature = errors.New("invalid provider signature")
)

// Verifier checks signatures with a shared auth token
type Verifier struct {
	authToken []byte
}

// NewVerifier creates a verifier for the given auth token
func NewVerifier(authToken string) *Verifier {
	return &Verifier{authToken: []byte(authToken)}
}

// Sign computes the signature for a URL and its form parameters
func (v *Verifier) Sign(fullURL string, params url.Values) string {
	mac := hmac.New(sha1.New, v.authToken)
	_, _ = mac.Write([]byte(canonical(fullURL, params)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify validates a received signature. The comparison is constant time.
func (v *Verifier) Verify(fullURL string, params url.Values, received string) error {
	if received == "" {
		return ErrMissingSignature
	}
	if len(v.authToken) == 0 {
		return ErrInvalidSignature
	}

	expected := v.Sign(fullURL, params)
	if !hmac.Equal([]byte(expected), []byte(received)) {
		return ErrInvalidSignature
	}
	return nil
}

func canonical(fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		values := append([]string(nil), params[k]...)
		sort.Strings(values)
		for _, val := range values {
			b.WriteString(k)
			b.WriteString(val)
		}
	}
	return b.String()
}
