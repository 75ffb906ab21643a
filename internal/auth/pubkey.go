package auth

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"os/user"
)

// TokenSize is the size of the AUTH TOKEN challenge.
const TokenSize = 20

const (
	modulusSizeWords = 64
	modulusSize      = modulusSizeWords * 4
	encodedKeySize   = 4 + 4 + modulusSize + modulusSize + 4
)

// Sign signs an AUTH token. The token is used as a precomputed SHA-1
// digest, which is what adbd verifies against.
func Sign(key *rsa.PrivateKey, token []byte) ([]byte, error) {
	if len(token) != TokenSize {
		return nil, fmt.Errorf("unexpected token size %d", len(token))
	}
	return rsa.SignPKCS1v15(nil, key, crypto.SHA1, token)
}

// EncodeAndroidPublicKey serializes pub in the mincrypt layout adbd
// stores in adb_keys: word count, n0inv, modulus and R^2 mod n as
// little-endian arrays, then the exponent.
func EncodeAndroidPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	if pub.N.BitLen() != modulusSize*8 {
		return nil, fmt.Errorf("unsupported modulus size %d bits", pub.N.BitLen())
	}

	out := make([]byte, encodedKeySize)
	binary.LittleEndian.PutUint32(out[0:4], modulusSizeWords)

	// n0inv = -1 / n[0] mod 2^32
	r32 := new(big.Int).Lsh(big.NewInt(1), 32)
	n0 := new(big.Int).Mod(pub.N, r32)
	n0inv := new(big.Int).ModInverse(n0, r32)
	n0inv.Sub(r32, n0inv)
	binary.LittleEndian.PutUint32(out[4:8], uint32(n0inv.Uint64()))

	putLittleEndian(out[8:8+modulusSize], pub.N)

	// rr = (2^(modulus bits))^2 mod n
	rr := new(big.Int).Lsh(big.NewInt(1), modulusSize*8*2)
	rr.Mod(rr, pub.N)
	putLittleEndian(out[8+modulusSize:8+2*modulusSize], rr)

	binary.LittleEndian.PutUint32(out[8+2*modulusSize:], uint32(pub.E))
	return out, nil
}

// DecodeAndroidPublicKey is the inverse of EncodeAndroidPublicKey.
func DecodeAndroidPublicKey(b []byte) (*rsa.PublicKey, error) {
	if len(b) != encodedKeySize {
		return nil, fmt.Errorf("bad encoded key size %d", len(b))
	}
	if binary.LittleEndian.Uint32(b[0:4]) != modulusSizeWords {
		return nil, fmt.Errorf("bad modulus word count")
	}
	le := b[8 : 8+modulusSize]
	be := make([]byte, len(le))
	for i := range le {
		be[len(le)-1-i] = le[i]
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(be),
		E: int(binary.LittleEndian.Uint32(b[8+2*modulusSize:])),
	}, nil
}

func putLittleEndian(dst []byte, v *big.Int) {
	be := v.FillBytes(make([]byte, len(dst)))
	for i := range be {
		dst[len(dst)-1-i] = be[i]
	}
}

// PublicKeyString renders pub the way adbkey.pub stores it:
// base64 of the encoded key, a space, then user@host.
func PublicKeyString(pub *rsa.PublicKey) (string, error) {
	enc, err := EncodeAndroidPublicKey(pub)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(enc) + userInfo(), nil
}

func userInfo() string {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	} else if v := os.Getenv("USER"); v != "" {
		name = v
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return " " + name + "@" + host
}

// Fingerprint is the hex SHA-256 of the DER SubjectPublicKeyInfo, used to
// dedupe loaded keys and to match CA issuers sent during TLS.
func Fingerprint(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}
