package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// detachedHeader is the protected header of every proof JWS (RFC 7797 unencoded payload).
var detachedHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"EdDSA","b64":false,"crit":["b64"]}`))

var (
	ErrMalformedDocument = errors.New("credential: malformed document")
	ErrNoProof           = errors.New("credential: document has no proof")
	ErrMalformedProof    = errors.New("credential: malformed proof")
	ErrSignatureInvalid  = errors.New("credential: signature does not verify")
)

// Signer holds the platform's custodial Ed25519 key.
type Signer struct {
	key   ed25519.PrivateKey
	keyID string
	now   func() time.Time
}

// NewSigner derives a signer from a 32 byte seed.
func NewSigner(seed []byte, keyID string) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("credential: seed must be %d bytes", ed25519.SeedSize)
	}
	return newSigner(ed25519.NewKeyFromSeed(seed), keyID), nil
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner(keyID string) (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("credential: generate key: %w", err)
	}
	return newSigner(priv, keyID), nil
}

func newSigner(key ed25519.PrivateKey, keyID string) *Signer {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		keyID = "key-1"
	}
	return &Signer{key: key, keyID: keyID, now: time.Now}
}

// KeyID returns the DID URL fragment used in verificationMethod.
func (s *Signer) KeyID() string { return s.keyID }

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Sign attaches a proof to doc and returns the serialised credential.
func (s *Signer) Sign(doc *Document) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", ErrInvalidInput)
	}
	doc.Proof = nil
	input, err := signingInput(doc)
	if err != nil {
		return nil, err
	}
	sig, err := jwt.SigningMethodEdDSA.Sign(input, s.key)
	if err != nil {
		return nil, fmt.Errorf("credential: sign: %w", err)
	}
	doc.Proof = &Proof{
		Type:               ProofTypeEd25519,
		Created:            s.now().UTC().Format(time.RFC3339),
		VerificationMethod: doc.Issuer.ID + "#" + s.keyID,
		ProofPurpose:       ProofPurposeAssert,
		JWS:                detachedHeader + ".." + base64.RawURLEncoding.EncodeToString(sig),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("credential: encode: %w", err)
	}
	return raw, nil
}

// VerifyProof checks the detached JWS in raw against pub.
func VerifyProof(raw []byte, pub ed25519.PublicKey) error {
	doc, err := Parse(raw)
	if err != nil {
		return err
	}
	if doc.Proof == nil || doc.Proof.JWS == "" {
		return ErrNoProof
	}
	header, sig, ok := strings.Cut(doc.Proof.JWS, "..")
	if !ok || header != detachedHeader || sig == "" {
		return ErrMalformedProof
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return ErrMalformedProof
	}
	doc.Proof = nil
	input, err := signingInput(doc)
	if err != nil {
		return err
	}
	if err := jwt.SigningMethodEdDSA.Verify(input, sigBytes, pub); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

// Parse decodes a stored credential.
func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return &doc, nil
}

func signingInput(doc *Document) (string, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("credential: encode payload: %w", err)
	}
	return detachedHeader + "." + string(payload), nil
}
