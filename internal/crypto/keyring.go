// Package crypto seals tenant secrets (OpenAI API keys) at rest with AES-GCM.
//
// Sealed values are stored as a JSON envelope that names the key that sealed
// them, so old keys can stay in the ring for reading while new writes use the
// current key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownKey = errors.New("unknown key id")

type sealed struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type Keyring struct {
	current string
	aeads   map[string]cipher.AEAD
}

func NewKeyring(currentKeyID string, keys map[string][]byte) (*Keyring, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher %q: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("new gcm %q: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Keyring{current: currentKeyID, aeads: aeads}, nil
}

func (k *Keyring) CurrentKeyID() string {
	return k.current
}

// Seal encrypts value with the current key and returns the envelope JSON.
func (k *Keyring) Seal(value string) (string, error) {
	aead := k.aeads[k.current]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	env := sealed{
		KeyID:      k.current,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, []byte(value), nil)),
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

// Open decrypts an envelope produced by Seal with any key in the ring.
func (k *Keyring) Open(raw string) (string, error) {
	env, err := parse(raw)
	if err != nil {
		return "", err
	}
	aead, ok := k.aeads[env.KeyID]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownKey, env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// Stale reports whether raw was sealed with a key other than the current one.
func (k *Keyring) Stale(raw string) (bool, error) {
	env, err := parse(raw)
	if err != nil {
		return false, err
	}
	return env.KeyID != k.current, nil
}

// Reseal opens raw and seals the plaintext again under the current key.
func (k *Keyring) Reseal(raw string) (string, error) {
	plain, err := k.Open(raw)
	if err != nil {
		return "", err
	}
	return k.Seal(plain)
}

func parse(raw string) (sealed, error) {
	var env sealed
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return sealed{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}
