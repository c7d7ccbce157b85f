package keys

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
)

// marshalPrivateKey PEM-encodes an Ed25519 private key in PKCS#8 form,
// the same shape golang.org/x/crypto/ssh expects when parsing a
// private key back out for dialing (§4.7).
func marshalPrivateKey(priv ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}
