// Package crypto provides key management, signing and signature verification
// for ledger nodes and clients.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultKeyBits is the RSA modulus size used by GenerateKeyPair callers.
const DefaultKeyBits = 2048

// KeyLoadError reports a missing or malformed key file.
type KeyLoadError struct {
	Path string
	Err  error
}

func (e *KeyLoadError) Error() string {
	return fmt.Sprintf("failed to load key %s: %v", e.Path, e.Err)
}

func (e *KeyLoadError) Unwrap() error { return e.Err }

// SignatureError reports that a signature could not be produced.
type SignatureError struct {
	Err error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("failed to sign: %v", e.Err)
}

func (e *SignatureError) Unwrap() error { return e.Err }

// InvalidSignatureError reports that verification could not run at all, or,
// at the link layer, that a received message failed verification.
type InvalidSignatureError struct {
	SignerID string
	Err      error
}

func (e *InvalidSignatureError) Error() string {
	if e.SignerID == "" {
		return fmt.Sprintf("invalid signature: %v", e.Err)
	}
	return fmt.Sprintf("invalid signature from %s: %v", e.SignerID, e.Err)
}

func (e *InvalidSignatureError) Unwrap() error { return e.Err }

var (
	errNilKey         = errors.New("nil key")
	errEmptySignature = errors.New("empty signature")
)

// KeyPair represents an RSA key pair.
type KeyPair struct {
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
}

// GenerateKeyPair generates a new RSA key pair.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	return &KeyPair{
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
	}, nil
}

// LoadKeyPair reads a PKCS#8 PEM private key and a PKIX PEM public key.
func LoadKeyPair(privateKeyPath, publicKeyPath string) (*KeyPair, error) {
	priv, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	pub, err := LoadPublicKey(publicKeyPath)
	if err != nil {
		return nil, err
	}
	return &KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

// LoadPrivateKey reads a PKCS#8 PEM encoded RSA private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	der, err := readPEM(path, "PRIVATE KEY")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, &KeyLoadError{Path: path, Err: fmt.Errorf("not an RSA private key")}
	}
	return rsaKey, nil
}

// LoadPublicKey reads a PKIX PEM encoded RSA public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	der, err := readPEM(path, "PUBLIC KEY")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, &KeyLoadError{Path: path, Err: fmt.Errorf("not an RSA public key")}
	}
	return rsaKey, nil
}

func readPEM(path, blockType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, &KeyLoadError{Path: path, Err: fmt.Errorf("no PEM block found")}
	}
	if block.Type != blockType {
		return nil, &KeyLoadError{Path: path, Err: fmt.Errorf("unexpected PEM block %q", block.Type)}
	}
	return block.Bytes, nil
}

// WriteFiles stores the key pair as PEM files, creating parent directories.
func (kp *KeyPair) WriteFiles(privateKeyPath, publicKeyPath string) error {
	privDER, err := x509.MarshalPKCS8PrivateKey(kp.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}

	for _, f := range []struct {
		path string
		typ  string
		der  []byte
		perm os.FileMode
	}{
		{privateKeyPath, "PRIVATE KEY", privDER, 0600},
		{publicKeyPath, "PUBLIC KEY", pubDER, 0644},
	} {
		if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", f.path, err)
		}
		data := pem.EncodeToMemory(&pem.Block{Type: f.typ, Bytes: f.der})
		if err := os.WriteFile(f.path, data, f.perm); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.path, err)
		}
	}
	return nil
}

// Sign signs SHA256(data) with RSASSA-PKCS1-v1_5. The result is deterministic.
func Sign(data []byte, privateKey *rsa.PrivateKey) ([]byte, error) {
	if privateKey == nil {
		return nil, &SignatureError{Err: errNilKey}
	}
	hash := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(nil, privateKey, crypto.SHA256, hash[:])
	if err != nil {
		return nil, &SignatureError{Err: err}
	}
	return sig, nil
}

// Verify checks sig over data. A signature that simply does not match returns
// (false, nil); an error is returned only when verification could not run.
func Verify(data, sig []byte, publicKey *rsa.PublicKey) (bool, error) {
	if publicKey == nil {
		return false, &InvalidSignatureError{Err: errNilKey}
	}
	if len(sig) == 0 {
		return false, &InvalidSignatureError{Err: errEmptySignature}
	}
	hash := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, hash[:], sig); err != nil {
		return false, nil
	}
	return true, nil
}

// KeyRing maps process ids to their public keys. Safe for concurrent use.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

// NewKeyRing creates an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]*rsa.PublicKey)}
}

// Add registers id's public key.
func (kr *KeyRing) Add(id string, key *rsa.PublicKey) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.keys[id] = key
}

// PublicKey returns id's public key.
func (kr *KeyRing) PublicKey(id string) (*rsa.PublicKey, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	key, ok := kr.keys[id]
	return key, ok
}

// VerifyRequestSignature checks that claimedSignerID signed payload. Unknown
// signers and verification failures both yield false.
func VerifyRequestSignature(payload []byte, claimedSignerID string, signature []byte, ring *KeyRing) bool {
	if ring == nil {
		return false
	}
	key, ok := ring.PublicKey(claimedSignerID)
	if !ok {
		return false
	}
	valid, err := Verify(payload, signature, key)
	return err == nil && valid
}

// Hash computes SHA256 hash of data.
func Hash(data []byte) []byte {
	hash := sha256.Sum256(data)
	return hash[:]
}

// HashHex computes SHA256 hash and returns as hex string.
func HashHex(data []byte) string {
	return hex.EncodeToString(Hash(data))
}

// Signer interface for signing operations.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() *rsa.PublicKey
	ID() string
}

// DefaultSigner implements the Signer interface with an RSA key pair.
type DefaultSigner struct {
	keyPair *KeyPair
	id      string
}

// NewDefaultSigner creates a DefaultSigner for process id.
func NewDefaultSigner(id string, kp *KeyPair) *DefaultSigner {
	return &DefaultSigner{keyPair: kp, id: id}
}

// Sign signs a message.
func (s *DefaultSigner) Sign(message []byte) ([]byte, error) {
	return Sign(message, s.keyPair.PrivateKey)
}

// PublicKey returns the public key.
func (s *DefaultSigner) PublicKey() *rsa.PublicKey {
	return s.keyPair.PublicKey
}

// ID returns the process id the signer signs for.
func (s *DefaultSigner) ID() string {
	return s.id
}
