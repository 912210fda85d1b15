package wallet

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
)

// Argon2 parameters
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KiB
	argon2Parallelism = 4
	argon2KeyLen      = 32
	argon2SaltLen     = 32

	sealedVersion     = 1
	MinPasswordLength = 8
)

// Mnemonic file errors
var (
	ErrPasswordRequired = errors.New("mnemonic file is sealed; password required")
	ErrWrongPassword    = errors.New("failed to unseal mnemonic (wrong password?)")
	ErrWeakPassword     = errors.New("password too weak")
)

// SealedMnemonic is the on-disk form of a password-protected mnemonic.
type SealedMnemonic struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// SealMnemonic encrypts a mnemonic with Argon2id + AES-256-GCM.
func SealMnemonic(mnemonic, password string) (*SealedMnemonic, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	if _, err := NewSeed(mnemonic, ""); err != nil {
		return nil, err
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	s := &SealedMnemonic{
		Version:     sealedVersion,
		Salt:        salt,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}
	gcm, err := s.cipher(password)
	if err != nil {
		return nil, err
	}

	s.Nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(s.Nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	s.Ciphertext = gcm.Seal(nil, s.Nonce, []byte(mnemonic), nil)
	return s, nil
}

// Open decrypts the sealed mnemonic.
func (s *SealedMnemonic) Open(password string) (string, error) {
	gcm, err := s.cipher(password)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassword
	}
	defer SecureClear(plaintext)
	return string(plaintext), nil
}

func (s *SealedMnemonic) cipher(password string) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), s.Salt, s.Time, s.Memory, s.Parallelism, argon2KeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Save writes the sealed mnemonic to path with owner-only permissions.
func (s *SealedMnemonic) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// LoadMnemonic reads a mnemonic file. Plaintext files hold the words
// directly; sealed files are JSON and need the password.
func LoadMnemonic(path, password string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read mnemonic file: %w", err)
	}
	data = bytes.TrimSpace(data)

	var mnemonic string
	if len(data) > 0 && data[0] == '{' {
		var sealed SealedMnemonic
		if err := json.Unmarshal(data, &sealed); err != nil {
			return "", fmt.Errorf("failed to parse sealed mnemonic: %w", err)
		}
		if sealed.Version != sealedVersion {
			return "", fmt.Errorf("unsupported sealed mnemonic version %d", sealed.Version)
		}
		if password == "" {
			return "", ErrPasswordRequired
		}
		if mnemonic, err = sealed.Open(password); err != nil {
			return "", err
		}
	} else {
		mnemonic = strings.Join(strings.Fields(string(data)), " ")
	}

	if _, err := NewSeed(mnemonic, ""); err != nil {
		return "", err
	}
	return mnemonic, nil
}

// ValidatePassword requires MinPasswordLength characters and at least
// three of: upper case, lower case, digit, symbol.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("%w: at least %d characters", ErrWeakPassword, MinPasswordLength)
	}
	var upper, lower, digit, symbol int
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = 1
		case unicode.IsLower(r):
			lower = 1
		case unicode.IsNumber(r):
			digit = 1
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = 1
		}
	}
	if upper+lower+digit+symbol < 3 {
		return fmt.Errorf("%w: use three character classes", ErrWeakPassword)
	}
	return nil
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
