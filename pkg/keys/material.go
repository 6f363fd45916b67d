// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package keys

//go:generate mockgen -destination=mocks/mock_material.go -package=mocks -source=material.go MaterialProvider

import (
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MaterialProvider abstracts where private key material lives. The service
// is polymorphic over this interface; an external KMS is another
// implementation behind a URI scheme.
type MaterialProvider interface {
	// Generate creates and stores new key material for the algorithm. The
	// provider chooses the key id: local providers use the RFC 7638
	// thumbprint, a KMS would return its key handle.
	Generate(ctx context.Context, algorithm string) (string, crypto.Signer, error)

	// Load returns the signer for previously generated material.
	Load(ctx context.Context, keyID string) (crypto.Signer, error)

	// Delete destroys the material. Deleting unknown material is not an
	// error.
	Delete(ctx context.Context, keyID string) error
}

// generateSigner creates a private key for the given JWS algorithm.
func generateSigner(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case "ES256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case "RS256":
		return rsa.GenerateKey(rand.Reader, 2048)
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", algorithm)
	}
}

// parseSigner parses a PKCS8, PKCS1, or SEC1 encoded private key.
func parseSigner(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("PKCS8 key does not implement crypto.Signer")
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unrecognized private key encoding")
}

// LocalProvider stores key material on disk, encrypted at rest with
// AES-256-GCM under a master key.
type LocalProvider struct {
	dir       string
	masterKey []byte
	mu        sync.Mutex
}

// NewLocalProvider creates a provider writing encrypted material under dir.
// The master key must be 32 bytes.
func NewLocalProvider(dir string, masterKey []byte) (*LocalProvider, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	return &LocalProvider{dir: dir, masterKey: masterKey}, nil
}

func (p *LocalProvider) path(keyID string) string {
	return filepath.Join(p.dir, keyID+".key")
}

// Generate creates key material and stores it encrypted.
func (p *LocalProvider) Generate(_ context.Context, algorithm string) (string, crypto.Signer, error) {
	signer, err := generateSigner(algorithm)
	if err != nil {
		return "", nil, err
	}
	keyID, err := Thumbprint(signer.Public())
	if err != nil {
		return "", nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return "", nil, fmt.Errorf("encoding private key: %w", err)
	}

	sealed, err := p.seal(der)
	if err != nil {
		return "", nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := os.WriteFile(p.path(keyID), sealed, 0o600); err != nil {
		return "", nil, fmt.Errorf("writing key material: %w", err)
	}
	return keyID, signer, nil
}

// Load decrypts and parses previously stored material.
func (p *LocalProvider) Load(_ context.Context, keyID string) (crypto.Signer, error) {
	p.mu.Lock()
	sealed, err := os.ReadFile(p.path(keyID))
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("reading key material: %w", err)
	}

	der, err := p.open(sealed)
	if err != nil {
		return nil, err
	}
	return parseSigner(der)
}

// Delete removes the stored material.
func (p *LocalProvider) Delete(_ context.Context, keyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := os.Remove(p.path(keyID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting key material: %w", err)
	}
	return nil
}

func (p *LocalProvider) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(p.masterKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (p *LocalProvider) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(p.masterKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed key material too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting key material: %w", err)
	}
	return plaintext, nil
}

// MemoryProvider keeps generated material in memory. Suitable for
// development and tests; keys are lost on restart, invalidating all issued
// tokens.
type MemoryProvider struct {
	mu      sync.Mutex
	signers map[string]crypto.Signer
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{signers: make(map[string]crypto.Signer)}
}

// Generate creates and retains key material.
func (p *MemoryProvider) Generate(_ context.Context, algorithm string) (string, crypto.Signer, error) {
	signer, err := generateSigner(algorithm)
	if err != nil {
		return "", nil, err
	}
	keyID, err := Thumbprint(signer.Public())
	if err != nil {
		return "", nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signers[keyID] = signer
	return keyID, signer, nil
}

// Load returns previously generated material.
func (p *MemoryProvider) Load(_ context.Context, keyID string) (crypto.Signer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	signer, ok := p.signers[keyID]
	if !ok {
		return nil, fmt.Errorf("no key material for %s", keyID)
	}
	return signer, nil
}

// Delete removes the material.
func (p *MemoryProvider) Delete(_ context.Context, keyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.signers, keyID)
	return nil
}

// LoadSignerFromPEM parses a PEM-encoded private key file. Supports RSA
// (PKCS1/PKCS8) and ECDSA (SEC1/PKCS8).
func LoadSignerFromPEM(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied key path
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	return parseSigner(block.Bytes)
}

// Compile-time interface checks.
var (
	_ MaterialProvider = (*LocalProvider)(nil)
	_ MaterialProvider = (*MemoryProvider)(nil)
)
