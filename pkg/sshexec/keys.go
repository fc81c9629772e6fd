package sshexec

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// GenerateKeyPair creates a fresh ed25519 key pair for exactly one VM.
// It returns the private key in OpenSSH PEM form and the matching
// authorized_keys line. Per-VM keys avoid cross-test credential leakage.
func GenerateKeyPair(comment string) (privateKeyPEM, authorizedKey []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("converting public key: %w", err)
	}

	return pem.EncodeToMemory(block), ssh.MarshalAuthorizedKey(sshPub), nil
}
