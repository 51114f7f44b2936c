package gateway

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"sort"
	"strings"
)

const signatureField = "sign"

// SignatureScheme checks one way of signing webhook fields.
type SignatureScheme interface {
	Name() string
	Verify(fields map[string]string, secret string) bool
}

// SortedForm signs k=v pairs of every non-empty field except sign, sorted
// by key and joined with '&', followed by the secret, hashed with MD5.
type SortedForm struct{}

func (SortedForm) Name() string { return "sorted_form" }

func (SortedForm) Sign(fields map[string]string, secret string) string {
	keys := make([]string, 0, len(fields))
	for key, value := range fields {
		if key == signatureField || value == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+fields[key])
	}
	return digest(md5.New, strings.Join(pairs, "&")+secret)
}

func (s SortedForm) Verify(fields map[string]string, secret string) bool {
	return matches(fields[signatureField], s.Sign(fields, secret))
}

// FixedOrder concatenates a named field sequence without separators,
// missing fields as empty strings, then the secret. Both MD5 and SHA-1
// digests are accepted.
type FixedOrder struct {
	Fields []string
}

func (FixedOrder) Name() string { return "fixed_order" }

func (f FixedOrder) payload(fields map[string]string, secret string) string {
	var b strings.Builder
	for _, key := range f.Fields {
		b.WriteString(fields[key])
	}
	b.WriteString(secret)
	return b.String()
}

func (f FixedOrder) SignMD5(fields map[string]string, secret string) string {
	return digest(md5.New, f.payload(fields, secret))
}

func (f FixedOrder) SignSHA1(fields map[string]string, secret string) string {
	return digest(sha1.New, f.payload(fields, secret))
}

func (f FixedOrder) Verify(fields map[string]string, secret string) bool {
	if len(f.Fields) == 0 {
		return false
	}
	provided := fields[signatureField]
	return matches(provided, f.SignMD5(fields, secret)) || matches(provided, f.SignSHA1(fields, secret))
}

// Verifier accepts a payload when any scheme matches, in order.
type Verifier struct {
	schemes []SignatureScheme
}

func NewVerifier(schemes ...SignatureScheme) *Verifier {
	return &Verifier{schemes: schemes}
}

// Verify returns the matching scheme name. A missing signature or secret
// never verifies.
func (v *Verifier) Verify(fields map[string]string, secret string) (string, bool) {
	if secret == "" || strings.TrimSpace(fields[signatureField]) == "" {
		return "", false
	}
	for _, scheme := range v.schemes {
		if scheme.Verify(fields, secret) {
			return scheme.Name(), true
		}
	}
	return "", false
}

func digest(newHash func() hash.Hash, payload string) string {
	h := newHash()
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func matches(provided, expected string) bool {
	provided = strings.ToLower(strings.TrimSpace(provided))
	if provided == "" {
		return false
	}
	return hmac.Equal([]byte(provided), []byte(expected))
}
