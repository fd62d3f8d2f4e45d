// Package keys derives the sync key material and seals record payloads.
// One root key comes from the account secret via scrypt; every collection
// gets its own AES-256-GCM subkey through HKDF, so leaking one collection's
// key never exposes another's.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// keyLen is the length of the root key and every derived subkey.
	keyLen = 32

	// envelopeVersion is the only payload envelope format this build writes
	// or accepts.
	envelopeVersion = 1
)

// DeriveRootKey derives the 32-byte root key from the account secret and
// account name using scrypt (N=32768, r=8, p=1). Both inputs are normalized
// to NFKC first, so visually identical passphrases from different keyboards
// derive the same key.
func DeriveRootKey(secret, account string) ([]byte, error) {
	secret = norm.NFKC.String(secret)
	account = norm.NFKC.String(account)

	key, err := scrypt.Key([]byte(secret), []byte(account), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving root key: %w", err)
	}

	return key, nil
}

// envelope is the sealed payload wire form carried inside a record's
// payload field.
type envelope struct {
	V  int    `json:"v"`
	N  string `json:"n"`
	CT string `json:"ct"`
}

// Bundle holds one AEAD per collection plus the handshake key hash. Subkeys
// are derived eagerly so the root key can be wiped at construction time.
type Bundle struct {
	keyHash string
	aeads   map[string]cipher.AEAD
}

// NewBundle derives a subkey and cipher for each named collection from the
// account secret, then wipes the intermediate key material. The key hash
// survives for the remote handshake.
func NewBundle(secret, account string, collections ...string) (*Bundle, error) {
	root, err := DeriveRootKey(secret, account)
	if err != nil {
		return nil, err
	}
	defer zero(root)

	b := &Bundle{
		keyHash: keyHash(root),
		aeads:   make(map[string]cipher.AEAD, len(collections)),
	}
	for _, collection := range collections {
		sub, err := deriveSubkey(root, collection)
		if err != nil {
			return nil, fmt.Errorf("deriving %s key: %w", collection, err)
		}
		block, err := aes.NewCipher(sub)
		zero(sub)
		if err != nil {
			return nil, fmt.Errorf("creating %s cipher: %w", collection, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("creating %s GCM: %w", collection, err)
		}
		b.aeads[collection] = gcm
	}

	return b, nil
}

// KeyHash returns hex(SHA-256(root key)), sent during the init handshake to
// prove the client holds the right secret without revealing it.
func (b *Bundle) KeyHash() string {
	return b.keyHash
}

// Seal encrypts a plaintext payload for a collection and returns the JSON
// envelope string. The nonce is random, so sealing the same payload twice
// yields different ciphertext.
func (b *Bundle) Seal(collection string, plaintext []byte) (string, error) {
	gcm, ok := b.aeads[collection]
	if !ok {
		return "", fmt.Errorf("no key for collection %q", collection)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	ct := gcm.Seal(nil, nonce, plaintext, nil)

	raw, err := json.Marshal(envelope{
		V:  envelopeVersion,
		N:  base64.StdEncoding.EncodeToString(nonce),
		CT: base64.StdEncoding.EncodeToString(ct),
	})
	if err != nil {
		return "", fmt.Errorf("encoding envelope: %w", err)
	}

	return string(raw), nil
}

// Open decrypts a JSON envelope string sealed for a collection.
func (b *Bundle) Open(collection, sealed string) ([]byte, error) {
	gcm, ok := b.aeads[collection]
	if !ok {
		return nil, fmt.Errorf("no key for collection %q", collection)
	}

	var env envelope
	if err := json.Unmarshal([]byte(sealed), &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.V != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", env.V)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.N)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("bad nonce length %d", len(nonce))
	}
	ct, err := base64.StdEncoding.DecodeString(env.CT)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting payload: %w", err)
	}

	return plaintext, nil
}

// keyHash computes hex(SHA-256(key)).
func keyHash(key []byte) string {
	h := sha256.Sum256(key)
	return hex.EncodeToString(h[:])
}

// deriveSubkey expands the root key into a per-collection subkey via
// HKDF-SHA256. The info string namespaces collections from each other.
func deriveSubkey(root []byte, collection string) ([]byte, error) {
	r := hkdf.New(sha256.New, root, nil, []byte("marksync/keys/"+collection))
	sub := make([]byte, keyLen)
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, fmt.Errorf("expanding subkey: %w", err)
	}

	return sub, nil
}

func zero(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
