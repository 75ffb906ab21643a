// Package auth holds the host's RSA identities: the user key in
// ~/.android/adbkey, any ADB_VENDOR_KEYS, token signing for the AUTH
// exchange and the client certificate used after STLS.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/1ureka/adbhost/internal/util"
)

const keyBits = 2048

// Keyring is the process-wide set of private keys, deduplicated by
// public key fingerprint.
type Keyring struct {
	userKeyPath string
	vendorPaths []string

	mu   sync.Mutex
	keys map[string]*rsa.PrivateKey
}

// NewKeyring loads (or generates) the user key at userKeyPath and every
// key found in vendorPaths. A vendor path is a key file or a directory
// of *.adb_key files.
func NewKeyring(userKeyPath string, vendorPaths []string) (*Keyring, error) {
	k := &Keyring{
		userKeyPath: userKeyPath,
		vendorPaths: vendorPaths,
		keys:        map[string]*rsa.PrivateKey{},
	}

	if _, err := os.Stat(userKeyPath); errors.Is(err, os.ErrNotExist) {
		util.Tracef(util.TraceAuth, "user key '%s' does not exist, generating", userKeyPath)
		if err := GenerateKey(userKeyPath); err != nil {
			return nil, fmt.Errorf("failed to generate new key: %w", err)
		}
	}
	if err := k.loadKey(userKeyPath); err != nil {
		return nil, fmt.Errorf("failed to load user key: %w", err)
	}
	k.loadVendorKeys()
	return k, nil
}

// UserKeyPath returns the path of the user's private key.
func (k *Keyring) UserKeyPath() string {
	return k.userKeyPath
}

// Keys returns a snapshot of every key in fingerprint order. Vendor
// directories are rescanned so keys dropped there are picked up by the
// next authentication attempt.
func (k *Keyring) Keys() []*rsa.PrivateKey {
	k.loadVendorKeys()

	k.mu.Lock()
	defer k.mu.Unlock()
	fps := make([]string, 0, len(k.keys))
	for fp := range k.keys {
		fps = append(fps, fp)
	}
	sort.Strings(fps)
	out := make([]*rsa.PrivateKey, 0, len(fps))
	for _, fp := range fps {
		out = append(out, k.keys[fp])
	}
	return out
}

// UserPublicKey returns the adbkey.pub rendering of the user key.
func (k *Keyring) UserPublicKey() (string, error) {
	key, err := readKeyFile(k.userKeyPath)
	if err != nil {
		return "", err
	}
	return PublicKeyString(&key.PublicKey)
}

// UserKey returns the user's private key.
func (k *Keyring) UserKey() (*rsa.PrivateKey, error) {
	return readKeyFile(k.userKeyPath)
}

func (k *Keyring) lookup(fingerprint string) *rsa.PrivateKey {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.keys[strings.ToLower(fingerprint)]
}

func (k *Keyring) loadKey(path string) error {
	key, err := readKeyFile(path)
	if err != nil {
		return err
	}
	fp, err := Fingerprint(&key.PublicKey)
	if err != nil {
		return err
	}

	k.mu.Lock()
	_, loaded := k.keys[fp]
	if !loaded {
		k.keys[fp] = key
	}
	k.mu.Unlock()

	if !loaded {
		util.Tracef(util.TraceAuth, "loaded new key from '%s' with fingerprint %s", path, fp)
	}
	return nil
}

func (k *Keyring) loadVendorKeys() {
	for _, path := range k.vendorPaths {
		if path == "" {
			continue
		}
		st, err := os.Stat(path)
		if err != nil {
			util.Tracef(util.TraceAuth, "load_keys: failed to stat '%s': %v", path, err)
			continue
		}
		if st.Mode().IsRegular() {
			if err := k.loadKey(path); err != nil {
				util.LogWarning("failed to read key from '%s': %v", path, err)
			}
			continue
		}
		if !st.IsDir() {
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			util.LogWarning("load_keys: failed to open directory '%s': %v", path, err)
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".adb_key") {
				continue
			}
			if err := k.loadKey(filepath.Join(path, e.Name())); err != nil {
				util.LogWarning("failed to read key from '%s': %v", e.Name(), err)
			}
		}
	}
}

// GenerateKey writes a new 2048-bit key to path (mode 0600) and its
// public half to path+".pub".
func GenerateKey(path string) error {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		return err
	}
	pub, err := PublicKeyString(&key.PublicKey)
	if err != nil {
		return err
	}
	return os.WriteFile(path+".pub", []byte(pub), 0o644)
}

// readKeyFile accepts both PKCS#1 and PKCS#8 PEM RSA keys.
func readKeyFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM data", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an RSA key", path)
	}
	return key, nil
}
