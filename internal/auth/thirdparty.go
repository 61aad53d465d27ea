package auth

import (
	"crypto/ed25519"

	"github.com/roach88/fedroom/internal/crypto"
	"github.com/roach88/fedroom/internal/ir"
)

type threePIDContent struct {
	PublicKey  string `json:"public_key"`
	PublicKeys []struct {
		PublicKey string `json:"public_key"`
	} `json:"public_keys"`
}

// thirdPartyInviteValid checks the signed block of an invite against the
// m.room.third_party_invite event it claims to redeem.
func (in membershipInput) thirdPartyInviteValid() bool {
	tpi := in.content.ThirdPartyInvite
	if tpi.signedString("mxid") != in.target {
		return false
	}
	token := tpi.signedString("token")
	if in.threePID == nil || token == "" || !in.threePID.IsStateOf(ir.TypeThirdPartyInvite, token) {
		return false
	}
	if in.threePID.Sender != in.ev.Sender {
		return false
	}

	var c threePIDContent
	if in.threePID.DecodeContent(&c) != nil {
		return false
	}
	var keys []ed25519.PublicKey
	for _, k := range append([]string{c.PublicKey}, publicKeyList(c)...) {
		if k == "" {
			continue
		}
		raw, err := ir.DecodeBase64(k)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			continue
		}
		keys = append(keys, ed25519.PublicKey(raw))
	}
	return crypto.VerifySignedJSON(tpi.Signed, keys)
}

func publicKeyList(c threePIDContent) []string {
	out := make([]string, 0, len(c.PublicKeys))
	for _, k := range c.PublicKeys {
		out = append(out, k.PublicKey)
	}
	return out
}
