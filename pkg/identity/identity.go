// Package identity owns the node's Ed25519 key material. Karma intents and
// receipts are signed with this key; nothing else in the engine may hold the
// private key.
//
// The signing key can be generated fresh or derived deterministically from an
// operator-owned master secret (a secp256k1 private key) via HKDF-SHA256, so
// an operator can recover the node identity from their wallet key alone.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// NodeIDPrefix tags every node id derived from a public key.
const NodeIDPrefix = "b1e55ed-"

// hkdfInfo is the domain separation label for signing-key derivation.
const hkdfInfo = "b1e55ed/node-identity/ed25519/v1"

// NodeIdentity is an Ed25519 keypair with its derived node id.
type NodeIdentity struct {
	NodeID    string
	PublicKey ed25519.PublicKey
	priv      ed25519.PrivateKey
	CreatedAt time.Time
}

// Generate creates a fresh random identity.
func Generate() (*NodeIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	return fromKeys(pub, priv), nil
}

// Derive deterministically derives the node identity from an operator master
// secret (typically a 32-byte secp256k1 private key). The same secret always
// yields the same node id.
func Derive(masterSecret []byte) (*NodeIdentity, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("identity: empty master secret")
	}
	r := hkdf.New(sha256.New, masterSecret, nil, []byte(hkdfInfo))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("identity: hkdf: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return fromKeys(priv.Public().(ed25519.PublicKey), priv), nil
}

func fromKeys(pub ed25519.PublicKey, priv ed25519.PrivateKey) *NodeIdentity {
	return &NodeIdentity{
		NodeID:    NodeIDPrefix + hex.EncodeToString(pub)[:8],
		PublicKey: pub,
		priv:      priv,
		CreatedAt: time.Now().UTC(),
	}
}

// PublicKeyHex returns the hex-encoded public key.
func (n *NodeIdentity) PublicKeyHex() string {
	return hex.EncodeToString(n.PublicKey)
}

// Sign signs data and returns the hex-encoded signature.
func (n *NodeIdentity) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(n.priv, data))
}

// Verify checks a hex signature produced by this identity.
func (n *NodeIdentity) Verify(sigHex string, data []byte) bool {
	ok, err := Verify(n.PublicKeyHex(), sigHex, data)
	return err == nil && ok
}

// Verify checks a hex-encoded signature against a hex-encoded public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("identity: invalid public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("identity: invalid public key size %d", len(pub))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("identity: invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}
