package provider

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// CanonicalForm encodes values as application/x-www-form-urlencoded with
// keys in sorted order. Providers sign the exact byte sequence they send,
// so outbound requests use this deterministic encoding; inbound payloads
// are always verified against the raw bytes, never a re-encoding.
func CanonicalForm(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range values[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// SignHMACSHA512 returns the lowercase hex HMAC-SHA512 of payload.
func SignHMACSHA512(secret, payload []byte) string {
	mac := hmac.New(sha512.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSHA512 checks a hex-encoded HMAC-SHA512 signature against
// payload in constant time. Returns ErrBadSignature on any mismatch,
// including an empty or undecodable signature.
func VerifyHMACSHA512(secret, payload []byte, signature string) error {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return ErrBadSignature
	}
	mac := hmac.New(sha512.New, secret)
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// ParseForm decodes a form-encoded body. Unlike url.ParseQuery it treats
// any decode failure as a malformed notification rather than returning
// partial results.
func ParseForm(body []byte) (url.Values, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	return values, nil
}
