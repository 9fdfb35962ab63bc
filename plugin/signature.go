package plugin

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

// AlgorithmEd25519 is the only signature algorithm accepted for manifests.
const AlgorithmEd25519 = "ed25519"

// ed25519PKIXPrefix is the ASN.1 DER prefix of an Ed25519 public key in
// PKIX SubjectPublicKeyInfo form (OID 1.3.101.112). Matching it directly
// avoids pulling in crypto/x509 for a single well-known encoding.
var ed25519PKIXPrefix = []byte{
	0x30, 0x2a, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65,
	0x70, 0x03, 0x21, 0x00,
}

// ParsePublicKey decodes a PEM Ed25519 public key. Both raw 32-byte blocks
// ("ED25519 PUBLIC KEY") and PKIX blocks ("PUBLIC KEY") are accepted.
func ParsePublicKey(pemData []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "ED25519 PUBLIC KEY":
		if len(block.Bytes) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("raw Ed25519 key: got %d bytes, want %d", len(block.Bytes), ed25519.PublicKeySize)
		}
		return ed25519.PublicKey(block.Bytes), nil
	case "PUBLIC KEY":
		return parsePKIXEd25519(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

func parsePKIXEd25519(der []byte) (ed25519.PublicKey, error) {
	want := len(ed25519PKIXPrefix) + ed25519.PublicKeySize
	if len(der) != want {
		return nil, fmt.Errorf("PKIX Ed25519 key: got %d bytes, want %d", len(der), want)
	}
	for i, b := range ed25519PKIXPrefix {
		if der[i] != b {
			return nil, errors.New("PKIX Ed25519 key: invalid ASN.1 prefix")
		}
	}
	return ed25519.PublicKey(der[len(ed25519PKIXPrefix):]), nil
}

// KeyFingerprint is the SHA-256 hex fingerprint of the raw public key bytes.
// Manifests reference keys by this value in signature.publicKeyId.
func KeyFingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256([]byte(pub))
	return hex.EncodeToString(sum[:])
}

// SignDistHash signs the canonical dist-hash string ("sha256:<hex>") and
// returns a manifest signature block.
func SignDistHash(priv ed25519.PrivateKey, distHash string) *Signature {
	sig := ed25519.Sign(priv, []byte(distHash))
	return &Signature{
		Algorithm:   AlgorithmEd25519,
		PublicKeyID: KeyFingerprint(priv.Public().(ed25519.PublicKey)),
		Value:       base64.StdEncoding.EncodeToString(sig),
	}
}

// VerifyDistSignature checks a manifest signature block against the
// canonical dist-hash string using the given public key.
func VerifyDistSignature(pub ed25519.PublicKey, sig *Signature, distHash string) error {
	if sig.Algorithm != AlgorithmEd25519 {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrBadSignature, sig.Algorithm)
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Value)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64: %v", ErrBadSignature, err)
	}
	if len(raw) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature length %d, want %d", ErrBadSignature, len(raw), ed25519.SignatureSize)
	}
	if !ed25519.Verify(pub, []byte(distHash), raw) {
		return fmt.Errorf("%w: signature does not verify over %s", ErrBadSignature, distHash)
	}
	return nil
}
