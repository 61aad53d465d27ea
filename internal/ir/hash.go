package ir

import (
	"crypto/sha256"
	"encoding/base64"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainReference = "fedroom/reference/v1"
	DomainContent   = "fedroom/content/v1"
)

// HashWithDomain computes a SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) []byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return h.Sum(nil)
}

// EncodeBase64 is unpadded standard base64, used for hashes, keys and
// signatures on the wire.
func EncodeBase64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// DecodeBase64 accepts unpadded or padded, standard or URL-safe base64.
func DecodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.RawStdEncoding, base64.StdEncoding,
		base64.RawURLEncoding, base64.URLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	_, err := base64.RawStdEncoding.DecodeString(s)
	return nil, err
}

// EventIDFromReferenceHash renders a reference hash as an event id.
// Legacy room versions carry the origin domain so that the redaction
// rule can compare event id domains.
func EventIDFromReferenceHash(hash []byte, rules RoomRules, origin string) string {
	id := "$" + base64.RawURLEncoding.EncodeToString(hash)
	if rules.LegacyEventIDs {
		id += ":" + origin
	}
	return id
}
