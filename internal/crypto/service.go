package crypto

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/roach88/fedroom/internal/ir"
)

// VerifyResult is the outcome of verifying a received event.
type VerifyResult int

const (
	// AllValid means signatures and content hash both check out.
	AllValid VerifyResult = iota
	// HashMismatch means the signatures are valid over the redacted form
	// but the content hash does not match; the event must be redacted.
	HashMismatch
	// SignatureInvalid means the origin's signature is missing or wrong.
	SignatureInvalid
)

func (r VerifyResult) String() string {
	switch r {
	case AllValid:
		return "all_valid"
	case HashMismatch:
		return "hash_mismatch"
	case SignatureInvalid:
		return "signature_invalid"
	}
	return fmt.Sprintf("VerifyResult(%d)", int(r))
}

// Service signs, hashes and verifies events for one local server.
// It is stateless apart from the key ring and safe for concurrent use.
type Service struct {
	signer *Signer
	keys   *KeyRing
}

// NewService creates a crypto service. The signer's public key is added to
// the key ring.
func NewService(signer *Signer, keys *KeyRing) *Service {
	if keys == nil {
		keys = NewKeyRing()
	}
	keys.AddSigner(signer)
	return &Service{signer: signer, keys: keys}
}

// ServerName returns the local server's name.
func (s *Service) ServerName() string {
	return s.signer.ServerName
}

// KeyRing returns the key ring used for verification.
func (s *Service) KeyRing() *KeyRing {
	return s.keys
}

// eventObject converts an event to generic JSON with the given top-level
// keys removed.
func eventObject(ev *ir.Event, drop ...string) (map[string]any, error) {
	raw, err := ev.JSON()
	if err != nil {
		return nil, err
	}
	obj, err := ir.DecodeObject(raw)
	if err != nil {
		return nil, err
	}
	for _, k := range drop {
		delete(obj, k)
	}
	return obj, nil
}

// ContentHash computes the content hash over the full event, excluding
// unsigned data, signatures, hashes and the event id.
func (s *Service) ContentHash(ev *ir.Event) ([]byte, error) {
	obj, err := eventObject(ev, "unsigned", "signatures", "hashes", "event_id")
	if err != nil {
		return nil, fmt.Errorf("content hash: %w", err)
	}
	canonical, err := ir.MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("content hash: %w", err)
	}
	return ir.HashWithDomain(ir.DomainContent, canonical), nil
}

// ReferenceHash computes the hash of the redacted event, excluding
// signatures, unsigned data and the event id.
func (s *Service) ReferenceHash(rules ir.RoomRules, ev *ir.Event) ([]byte, error) {
	redacted, err := ir.Redact(rules, ev)
	if err != nil {
		return nil, fmt.Errorf("reference hash: %w", err)
	}
	obj, err := eventObject(redacted, "unsigned", "signatures", "event_id")
	if err != nil {
		return nil, fmt.Errorf("reference hash: %w", err)
	}
	canonical, err := ir.MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("reference hash: %w", err)
	}
	return ir.HashWithDomain(ir.DomainReference, canonical), nil
}

// DeriveEventID computes the content-addressed event id.
func (s *Service) DeriveEventID(rules ir.RoomRules, ev *ir.Event) (string, error) {
	hash, err := s.ReferenceHash(rules, ev)
	if err != nil {
		return "", err
	}
	origin := ev.Origin
	if origin == "" {
		origin = ir.ServerNameOf(ev.Sender)
	}
	return ir.EventIDFromReferenceHash(hash, rules, origin), nil
}

// signingBytes returns the canonical bytes that signatures cover: the
// redacted event without signatures, unsigned data or event id.
func signingBytes(rules ir.RoomRules, ev *ir.Event) ([]byte, error) {
	redacted, err := ir.Redact(rules, ev)
	if err != nil {
		return nil, err
	}
	obj, err := eventObject(redacted, "unsigned", "signatures", "event_id")
	if err != nil {
		return nil, err
	}
	return ir.MarshalCanonical(obj)
}

// SignAndHash fills in origin, content hash, the local signature and the
// event id. The input is not modified.
func (s *Service) SignAndHash(rules ir.RoomRules, ev *ir.Event) (*ir.Event, error) {
	out := ev.Clone()
	out.EventID = ""
	out.Unsigned = nil
	if out.Origin == "" {
		out.Origin = s.signer.ServerName
	}
	out.Signatures = nil
	out.Hashes = nil

	hash, err := s.ContentHash(out)
	if err != nil {
		return nil, fmt.Errorf("sign and hash: %w", err)
	}
	out.Hashes = &ir.EventHashes{SHA256: ir.EncodeBase64(hash)}

	data, err := signingBytes(rules, out)
	if err != nil {
		return nil, fmt.Errorf("sign and hash: %w", err)
	}
	out.Signatures = map[string]map[string]string{
		s.signer.ServerName: {s.signer.KeyID: s.signer.Sign(data)},
	}

	id, err := s.DeriveEventID(rules, out)
	if err != nil {
		return nil, fmt.Errorf("sign and hash: %w", err)
	}
	out.EventID = id
	return out, nil
}

// Verify checks the sender server's signature over the redacted form, then
// the content hash over the full event.
func (s *Service) Verify(rules ir.RoomRules, ev *ir.Event) VerifyResult {
	senderServer, err := ir.ServerName(ev.Sender)
	if err != nil {
		return SignatureInvalid
	}
	data, err := signingBytes(rules, ev)
	if err != nil {
		return SignatureInvalid
	}
	if !s.verifyServerSignature(senderServer, ev.Signatures[senderServer], data) {
		return SignatureInvalid
	}

	if ev.Hashes == nil {
		return HashMismatch
	}
	want, err := ir.DecodeBase64(ev.Hashes.SHA256)
	if err != nil {
		return HashMismatch
	}
	got, err := s.ContentHash(ev)
	if err != nil || !bytes.Equal(want, got) {
		return HashMismatch
	}
	return AllValid
}

func (s *Service) verifyServerSignature(server string, sigs map[string]string, data []byte) bool {
	for keyID, sig := range sigs {
		pub, ok := s.keys.Lookup(server, keyID)
		if !ok {
			continue
		}
		raw, err := ir.DecodeBase64(sig)
		if err != nil {
			continue
		}
		if ed25519.Verify(pub, data, raw) {
			return true
		}
	}
	return false
}
