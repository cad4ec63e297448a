package main

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
)

// dkimSignerFromPKCS8 parses a PEM-encoded PKCS#8 private key, as stored
// by internal/dkimstore, into the crypto.Signer a dkim.Signer needs.
func dkimSignerFromPKCS8(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("dkim: error decoding PEM block")
	}
	if strings.ToUpper(block.Type) != "PRIVATE KEY" {
		return nil, fmt.Errorf("dkim: unsupported block type %s", block.Type)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("dkim: unsupported key type %T", k)
	}
}
