package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"strings"
	"time"

	"github.com/1ureka/adbhost/internal/util"
)

// Certificate builds the self-signed client certificate for key.
func Certificate(key *rsa.PrivateKey) (tls.Certificate, error) {
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Country:      []string{"US"},
			Organization: []string{"Android"},
			CommonName:   "Adb",
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// TLSConfig returns the client configuration used after STLS. Any server
// certificate is accepted. When the device sends a CA list naming one of
// our key fingerprints that key's certificate is offered, otherwise the
// transport's current key is tried.
func (k *Keyring) TLSConfig(key *rsa.PrivateKey) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		GetClientCertificate: func(cri *tls.CertificateRequestInfo) (*tls.Certificate, error) {
			chosen := key
			if match := k.matchAcceptableCA(cri.AcceptableCAs); match != nil {
				util.Tracef(util.TraceAuth, "got SHA256 match on a key")
				chosen = match
			} else if len(cri.AcceptableCAs) == 0 {
				util.Tracef(util.TraceAuth, "no client CA list, trying with default certificate")
			}
			cert, err := Certificate(chosen)
			if err != nil {
				return nil, err
			}
			return &cert, nil
		},
	}
}

func (k *Keyring) matchAcceptableCA(cas [][]byte) *rsa.PrivateKey {
	if len(cas) == 0 {
		return nil
	}
	k.mu.Lock()
	fps := make([]string, 0, len(k.keys))
	for fp := range k.keys {
		fps = append(fps, fp)
	}
	k.mu.Unlock()

	for _, raw := range cas {
		for _, fp := range fps {
			if bytes.Contains(raw, []byte(fp)) || bytes.Contains(raw, []byte(strings.ToUpper(fp))) {
				return k.lookup(fp)
			}
		}
	}
	return nil
}
