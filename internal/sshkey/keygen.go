// Package sshkey generates SSH key pairs for the authorized-keys rotation
// variant.
package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyPair is a freshly generated ed25519 key pair in the two encodings the
// rotation needs: an authorized_keys line for the store and an OpenSSH PEM
// private key for the verifier.
type KeyPair struct {
	// PublicLine is the authorized_keys entry, comment included, no newline.
	PublicLine string

	// PrivatePEM is the unencrypted OpenSSH private key.
	PrivatePEM []byte

	// Fingerprint is the SHA256 fingerprint of the public key, which serves
	// as the credential ID.
	Fingerprint string
}

// GenerateEd25519 creates a new ed25519 key pair with the given comment.
func GenerateEd25519(comment string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("convert public key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if comment != "" {
		line += " " + comment
	}

	return &KeyPair{
		PublicLine:  line,
		PrivatePEM:  pem.EncodeToMemory(block),
		Fingerprint: ssh.FingerprintSHA256(sshPub),
	}, nil
}

// Fingerprint returns the SHA256 fingerprint of an authorized_keys line.
func Fingerprint(line string) (string, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return "", fmt.Errorf("parse authorized key: %w", err)
	}
	return ssh.FingerprintSHA256(pub), nil
}
