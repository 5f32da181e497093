package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyPair is an ed25519 key pair in the formats cloud-init and the client
// consume.
type KeyPair struct {
	// PrivateKey is the OpenSSH PEM encoded private key.
	PrivateKey []byte
	// AuthorizedKey is the public key in authorized_keys format.
	AuthorizedKey string
}

// GenerateKeyPair creates an ephemeral ed25519 key pair.
func GenerateKeyPair(comment string) (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return KeyPair{}, fmt.Errorf("marshaling private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return KeyPair{}, fmt.Errorf("converting public key: %w", err)
	}

	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if comment != "" {
		authorized += " " + comment
	}

	return KeyPair{
		PrivateKey:    pem.EncodeToMemory(block),
		AuthorizedKey: authorized,
	}, nil
}

// WriteFiles writes the pair to <dir>/<name> and <dir>/<name>.pub and returns
// the private key path.
func (k KeyPair) WriteFiles(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating key directory: %w", err)
	}

	privPath := filepath.Join(dir, name)
	if err := os.WriteFile(privPath, k.PrivateKey, 0o600); err != nil {
		return "", fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(privPath+".pub", []byte(k.AuthorizedKey+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("writing public key: %w", err)
	}

	return privPath, nil
}
