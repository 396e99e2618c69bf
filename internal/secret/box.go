package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
)

// Box cifra y descifra secretos de configuración SIP con AES-256-GCM.
// La clave se carga una vez desde TELECRM_SECRET_KEY (hex, 32 bytes).
type Box struct {
	key []byte
}

var ErrNoKey = errors.New("TELECRM_SECRET_KEY no definida")

// NewBox crea un Box con una clave de 32 bytes
func NewBox(key []byte) (*Box, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("clave inválida: se esperaban 32 bytes, hay %d", len(key))
	}
	return &Box{key: key}, nil
}

// NewBoxFromEnv carga la clave desde la variable de entorno TELECRM_SECRET_KEY
func NewBoxFromEnv() (*Box, error) {
	raw := os.Getenv("TELECRM_SECRET_KEY")
	if raw == "" {
		return nil, ErrNoKey
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("TELECRM_SECRET_KEY no es hex válido: %w", err)
	}
	return NewBox(key)
}

// Seal cifra un secreto y lo devuelve en base64 (nonce antepuesto)
func (b *Box) Seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open descifra un secreto producido por Seal
func (b *Box) Open(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("secreto no es base64 válido: %w", err)
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(sealed) < gcm.NonceSize() {
		return "", errors.New("secreto cifrado truncado")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("error descifrando secreto: %w", err)
	}
	return string(plaintext), nil
}
