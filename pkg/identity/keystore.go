package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2 parameters for the at-rest key encryption.
const (
	kdfIterations = 480_000
	kdfName       = "pbkdf2_hmac_sha256"
)

// EnvMasterPassword is the environment variable holding the keystore
// password. When unset, Save falls back to plaintext-at-rest with a warning
// field so non-interactive setup keeps working.
const EnvMasterPassword = "B1E55ED_MASTER_PASSWORD"

type keystoreFile struct {
	NodeID        string   `json:"node_id"`
	Alg           string   `json:"alg"`
	PublicKey     string   `json:"public_key"`
	PrivateKey    string   `json:"private_key,omitempty"`
	PrivateKeyEnc string   `json:"private_key_enc,omitempty"`
	KDF           *kdfMeta `json:"kdf,omitempty"`
	CreatedAt     string   `json:"created_at"`
	Warning       string   `json:"warning,omitempty"`
}

type kdfMeta struct {
	Name       string `json:"name"`
	Iterations int    `json:"iterations"`
	SaltB64    string `json:"salt_b64"`
}

func deriveAESKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, kdfIterations, 32, sha256.New)
}

// Save persists the identity to path. With a master password in the
// environment, the private key is AES-256-GCM encrypted under a PBKDF2
// derived key; otherwise it is written in the clear with a warning field.
func (n *NodeIdentity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("identity: keystore dir: %w", err)
	}

	f := keystoreFile{
		NodeID:    n.NodeID,
		Alg:       "ed25519",
		PublicKey: n.PublicKeyHex(),
		CreatedAt: n.CreatedAt.Format(time.RFC3339),
	}

	if pw := os.Getenv(EnvMasterPassword); pw != "" {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("identity: salt: %w", err)
		}
		block, err := aes.NewCipher(deriveAESKey(pw, salt))
		if err != nil {
			return fmt.Errorf("identity: cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return fmt.Errorf("identity: gcm: %w", err)
		}
		nonce := make([]byte, gcm.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("identity: nonce: %w", err)
		}
		sealed := gcm.Seal(nonce, nonce, n.priv.Seed(), nil)
		f.PrivateKeyEnc = base64.StdEncoding.EncodeToString(sealed)
		f.KDF = &kdfMeta{Name: kdfName, Iterations: kdfIterations, SaltB64: base64.StdEncoding.EncodeToString(salt)}
	} else {
		f.PrivateKey = hex.EncodeToString(n.priv.Seed())
		f.Warning = "private key stored unencrypted; set " + EnvMasterPassword
	}

	blob, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal keystore: %w", err)
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("identity: write keystore: %w", err)
	}
	return nil
}

// Load reads an identity keystore. Encrypted keystores require the master
// password in the environment.
func Load(path string) (*NodeIdentity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read keystore: %w", err)
	}
	var f keystoreFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("identity: parse keystore: %w", err)
	}
	if f.Alg != "ed25519" {
		return nil, fmt.Errorf("identity: unsupported alg %q", f.Alg)
	}

	var seed []byte
	switch {
	case f.PrivateKeyEnc != "":
		pw := os.Getenv(EnvMasterPassword)
		if pw == "" {
			return nil, fmt.Errorf("identity: keystore is encrypted; set %s", EnvMasterPassword)
		}
		if f.KDF == nil || f.KDF.Name != kdfName {
			return nil, fmt.Errorf("identity: unsupported kdf")
		}
		salt, err := base64.StdEncoding.DecodeString(f.KDF.SaltB64)
		if err != nil {
			return nil, fmt.Errorf("identity: decode salt: %w", err)
		}
		sealed, err := base64.StdEncoding.DecodeString(f.PrivateKeyEnc)
		if err != nil {
			return nil, fmt.Errorf("identity: decode private key: %w", err)
		}
		block, err := aes.NewCipher(pbkdf2.Key([]byte(pw), salt, f.KDF.Iterations, 32, sha256.New))
		if err != nil {
			return nil, fmt.Errorf("identity: cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("identity: gcm: %w", err)
		}
		if len(sealed) < gcm.NonceSize() {
			return nil, fmt.Errorf("identity: keystore truncated")
		}
		seed, err = gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
		if err != nil {
			return nil, fmt.Errorf("identity: invalid password or corrupted keystore: %w", err)
		}
	case f.PrivateKey != "":
		seed, err = hex.DecodeString(f.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("identity: decode private key: %w", err)
		}
	default:
		return nil, fmt.Errorf("identity: keystore has no private key")
	}

	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: bad seed length %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	ident := fromKeys(priv.Public().(ed25519.PublicKey), priv)
	if f.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, f.CreatedAt); err == nil {
			ident.CreatedAt = t
		}
	}
	return ident, nil
}

// Ensure loads the keystore at path, generating and persisting a fresh
// identity when none exists.
func Ensure(path string) (*NodeIdentity, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	ident, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := ident.Save(path); err != nil {
		return nil, err
	}
	return ident, nil
}
