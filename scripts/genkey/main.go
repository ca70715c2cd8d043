// genkey generates the Ed25519 key pair the dualcommit server uses to sign
// agent tokens.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey [-dir data]
//
// It writes jwt_private.pem and jwt_public.pem into dir, both mode 0600, and
// refuses to overwrite existing keys. Point DUALCOMMIT_JWT_PRIVATE_KEY and
// DUALCOMMIT_JWT_PUBLIC_KEY at the two files. Without them the server only
// accepts API keys.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

func main() {
	dir := flag.String("dir", "data", "directory to write the key pair into")
	flag.Parse()

	if err := run(*dir); err != nil {
		fmt.Fprintf(os.Stderr, "genkey: %v\n", err)
		os.Exit(1)
	}
}

func run(dir string) error {
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists; remove it to rotate keys", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}
	fmt.Printf("wrote %s\nwrote %s\n", privPath, pubPath)
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
