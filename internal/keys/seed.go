package keys

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

	"golang.org/x/crypto/argon2"
)

const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLen      = 32
	argon2SaltLen     = 32
)

var (
	ErrPasswordRequired = errors.New("seed file is encrypted, password required")
	ErrWrongPassword    = errors.New("failed to decrypt seed (wrong password?)")
)

// EncryptedSeed is a mnemonic sealed with Argon2id + AES-256-GCM.
type EncryptedSeed struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

func seedCipher(password string, salt []byte, time, memory uint32, parallelism uint8) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), salt, time, memory, parallelism, argon2KeyLen)
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptMnemonic seals a mnemonic under password.
func EncryptMnemonic(mnemonic, password string) (*EncryptedSeed, error) {
	if password == "" {
		return nil, ErrPasswordRequired
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := seedCipher(password, salt, argon2Time, argon2Memory, argon2Parallelism)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &EncryptedSeed{
		Version:     1,
		Ciphertext:  gcm.Seal(nil, nonce, []byte(mnemonic), nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}, nil
}

// Decrypt opens the seed.
func (s *EncryptedSeed) Decrypt(password string) (string, error) {
	if password == "" {
		return "", ErrPasswordRequired
	}
	time, memory, parallelism := s.Time, s.Memory, s.Parallelism
	if time == 0 {
		time = argon2Time
	}
	if memory == 0 {
		memory = argon2Memory
	}
	if parallelism == 0 {
		parallelism = argon2Parallelism
	}

	gcm, err := seedCipher(password, s.Salt, time, memory, parallelism)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassword
	}
	defer clear(plain)
	return string(plain), nil
}

// WriteSeedFile stores a mnemonic, encrypted when password is set.
func WriteSeedFile(path, mnemonic, password string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data := []byte(mnemonic + "\n")
	if password != "" {
		sealed, err := EncryptMnemonic(mnemonic, password)
		if err != nil {
			return err
		}
		if data, err = json.Marshal(sealed); err != nil {
			return fmt.Errorf("failed to marshal seed: %w", err)
		}
	}

	// O_EXCL: never overwrite an existing seed.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create seed file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write seed file: %w", err)
	}
	return f.Close()
}

// ReadSeedFile loads a mnemonic written by WriteSeedFile. Plain files hold
// the words directly; JSON files hold an EncryptedSeed.
func ReadSeedFile(path, password string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read seed file: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var sealed EncryptedSeed
		if err := json.Unmarshal(trimmed, &sealed); err != nil {
			return "", fmt.Errorf("failed to parse seed file: %w", err)
		}
		return sealed.Decrypt(password)
	}

	mnemonic := strings.Join(strings.Fields(string(trimmed)), " ")
	if !ValidateMnemonic(mnemonic) {
		return "", fmt.Errorf("seed file %s does not hold a valid mnemonic", path)
	}
	return mnemonic, nil
}
