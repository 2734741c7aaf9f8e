// Package envelope translates stored ciphertext archives into scratch
// working directories and back. A per-unit 32-byte data key is wrapped by
// the process-wide key-encryption key with AES-256-GCM; archives are zip
// blobs sealed with the data key, nonce-prefixed.
package envelope

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	keySize   = 32
	nonceSize = 12

	scratchPattern = "accountshop-scratch-*"
)

var (
	ErrInvalidKEK        = errors.New("key-encryption key must be 32 bytes for AES-256")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrUnsafeArchivePath = errors.New("archive entry escapes scratch directory")
)

// Envelope implements purchase.Envelope with a fixed KEK.
type Envelope struct {
	kekGCM cipher.AEAD
}

// New builds an Envelope around the process-wide key-encryption key.
func New(kek []byte) (*Envelope, error) {
	if len(kek) != keySize {
		return nil, ErrInvalidKEK
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Envelope{kekGCM: gcm}, nil
}

// NewDataKey generates a fresh 32-byte data-encryption key.
func (envelope *Envelope) NewDataKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	return key, nil
}

// WrapKey seals a data key under the KEK; the nonce is returned alongside
// the wrapped key, both base64.
func (envelope *Envelope) WrapKey(key []byte) (string, string, error) {
	nonce := make([]byte, envelope.kekGCM.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}
	wrapped := envelope.kekGCM.Seal(nil, nonce, key, nil)
	return base64.StdEncoding.EncodeToString(wrapped), base64.StdEncoding.EncodeToString(nonce), nil
}

// UnwrapKey opens a wrapped data key. A failed tag check surfaces as an
// error from the AEAD open.
func (envelope *Envelope) UnwrapKey(wrappedB64, nonceB64 string) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(wrappedB64)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	key, err := envelope.kekGCM.Open(nil, nonce, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	return key, nil
}

// DecryptToScratch decrypts an archive into a fresh scratch directory and
// unpacks the zip inside. The caller owns the directory and must remove it
// on every exit path.
func (envelope *Envelope) DecryptToScratch(ctx context.Context, archivePath string, key []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ciphertext, err := os.ReadFile(archivePath)
	if err != nil {
		return "", fmt.Errorf("read archive: %w", err)
	}
	plaintext, err := open(ciphertext, key)
	if err != nil {
		return "", err
	}

	scratchDir, err := os.MkdirTemp("", scratchPattern)
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	if err := unpackZip(plaintext, scratchDir); err != nil {
		_ = os.RemoveAll(scratchDir)
		return "", err
	}
	return scratchDir, nil
}

// EncryptFromDir zips a plaintext directory and seals it with the data key.
// Used by ingest only.
func (envelope *Envelope) EncryptFromDir(dir string, key []byte) ([]byte, error) {
	plaintext, err := packZip(dir)
	if err != nil {
		return nil, err
	}
	return seal(plaintext, key)
}

func seal(plaintext, key []byte) ([]byte, error) {
	gcm, err := dataGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(ciphertext, key []byte) ([]byte, error) {
	gcm, err := dataGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < nonceSize+1 {
		return nil, ErrInvalidCiphertext
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt archive: %w", err)
	}
	return plaintext, nil
}

func dataGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKEK
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func packZip(dir string) ([]byte, error) {
	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	walkErr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		entry, err := writer.Create(filepath.ToSlash(relPath))
		if err != nil {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(entry, file)
		return err
	})
	if walkErr != nil {
		return nil, fmt.Errorf("pack archive: %w", walkErr)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("pack archive: %w", err)
	}
	return buffer.Bytes(), nil
}

func unpackZip(blob []byte, destDir string) error {
	reader, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return fmt.Errorf("open archive zip: %w", err)
	}
	for _, entry := range reader.File {
		cleaned := filepath.Clean(entry.Name)
		if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
			return ErrUnsafeArchivePath
		}
		target := filepath.Join(destDir, cleaned)
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractEntry(entry, target); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(entry *zip.File, target string) error {
	source, err := entry.Open()
	if err != nil {
		return err
	}
	defer source.Close()
	destination, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer destination.Close()
	_, err = io.Copy(destination, source)
	return err
}
