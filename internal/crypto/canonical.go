package crypto

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"loomcrypt/internal/domain"
)

// canonicalEnc is the deterministic CBOR mode used for every signed object:
// sorted map keys, shortest-form integers. Both signer and verifier must
// produce the identical byte stream or verification fails.
var canonicalEnc cbor.EncMode

func init() {
	var err error
	canonicalEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// CanonicalEncode serializes v in canonical CBOR form.
func CanonicalEncode(v any) ([]byte, error) {
	return canonicalEnc.Marshal(v)
}

// SignCanonical signs the canonical encoding of v.
func SignCanonical(priv domain.Ed25519Private, v any) ([]byte, error) {
	raw, err := CanonicalEncode(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return SignEd25519(priv, raw), nil
}

// VerifyCanonical verifies sig over the canonical encoding of v.
// Any encoding or signature failure is ErrSignatureVerificationFailed:
// a malformed signed object rejects the whole object.
func VerifyCanonical(pub domain.Ed25519Public, v any, sig []byte) error {
	raw, err := CanonicalEncode(v)
	if err != nil {
		return domain.ErrSignatureVerificationFailed
	}
	if !VerifyEd25519(pub, raw, sig) {
		return domain.ErrSignatureVerificationFailed
	}
	return nil
}
