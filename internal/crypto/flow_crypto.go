package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrNoKeys           = errors.New("no decryption keys configured")
	ErrMalformedPayload = errors.New("malformed encrypted payload")
	ErrDecryptFailed    = errors.New("payload does not decrypt with any known key")
)

const keyInfo = "cortex-flow-payload-v1"

// FlowCipher descifra payloads de flow_response con rotación de claves:
// una lista ordenada de la más nueva a la más vieja, probadas en orden con
// salida temprana. Cifrado siempre con la clave más nueva.
type FlowCipher struct {
	keys [][]byte
}

// NewFlowCipher deriva una clave AES-256 por secreto configurado vía
// HKDF-SHA256, preservando el orden de rotación.
func NewFlowCipher(secrets []string) (*FlowCipher, error) {
	if len(secrets) == 0 {
		return nil, ErrNoKeys
	}
	keys := make([][]byte, 0, len(secrets))
	for _, secret := range secrets {
		key := make([]byte, 32)
		r := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("derive key: %w", err)
		}
		keys = append(keys, key)
	}
	return &FlowCipher{keys: keys}, nil
}

// Encrypt cifra con AES-GCM bajo la clave más nueva. Devuelve
// base64(nonce || ciphertext).
func (c *FlowCipher) Encrypt(plaintext []byte) (string, error) {
	aead, err := newAEAD(c.keys[0])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt prueba cada clave en orden y corta en el primer acierto. Un
// payload estructuralmente inválido falla rápido y no debe reintentarse.
func (c *FlowCipher) Decrypt(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	for _, key := range c.keys {
		aead, err := newAEAD(key)
		if err != nil {
			return nil, err
		}
		if len(sealed) < aead.NonceSize() {
			return nil, ErrMalformedPayload
		}
		nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
		plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
		if err == nil {
			return plaintext, nil
		}
	}
	return nil, ErrDecryptFailed
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	return cipher.NewGCM(block)
}
