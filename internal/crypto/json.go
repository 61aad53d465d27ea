package crypto

import (
	"crypto/ed25519"
	"fmt"

	"github.com/roach88/fedroom/internal/ir"
)

// SignJSON adds the signer's signature to obj["signatures"]. The signature
// covers the canonical form of obj without "signatures" and "unsigned".
func SignJSON(obj map[string]any, s *Signer) error {
	data, err := signedJSONBytes(obj)
	if err != nil {
		return fmt.Errorf("sign json: %w", err)
	}
	sigs, _ := obj["signatures"].(map[string]any)
	if sigs == nil {
		sigs = make(map[string]any)
	}
	serverSigs, _ := sigs[s.ServerName].(map[string]any)
	if serverSigs == nil {
		serverSigs = make(map[string]any)
	}
	serverSigs[s.KeyID] = s.Sign(data)
	sigs[s.ServerName] = serverSigs
	obj["signatures"] = sigs
	return nil
}

// VerifySignedJSON reports whether any signature in obj["signatures"]
// verifies against any of the given public keys.
func VerifySignedJSON(obj map[string]any, keys []ed25519.PublicKey) bool {
	sigs, ok := obj["signatures"].(map[string]any)
	if !ok || len(keys) == 0 {
		return false
	}
	data, err := signedJSONBytes(obj)
	if err != nil {
		return false
	}
	for _, serverSigs := range sigs {
		m, ok := serverSigs.(map[string]any)
		if !ok {
			continue
		}
		for _, sig := range m {
			s, ok := sig.(string)
			if !ok {
				continue
			}
			raw, err := ir.DecodeBase64(s)
			if err != nil {
				continue
			}
			for _, pub := range keys {
				if len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, data, raw) {
					return true
				}
			}
		}
	}
	return false
}

func signedJSONBytes(obj map[string]any) ([]byte, error) {
	stripped := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == "signatures" || k == "unsigned" {
			continue
		}
		stripped[k] = v
	}
	return ir.MarshalCanonical(stripped)
}
