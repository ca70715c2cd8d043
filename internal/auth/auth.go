// Package auth provides JWT-based authentication for the gate.
//
// Uses Ed25519 (EdDSA) for JWT signing. Keys can be loaded from PEM files
// or auto-generated for development. Tokens carry the principal's authority
// tier, which is what the Gatekeeper sees as the submitter's authority.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/dualcommit/internal/model"
)

const issuer = "dualcommit"

// ErrInvalidCredentials is returned when a principal id or API key does not check out.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Claims extends jwt.RegisteredClaims with the caller's authority tier.
// Subject is the principal id.
type Claims struct {
	jwt.RegisteredClaims
	Authority model.Authority `json:"authority"`
}

// PrincipalID returns the principal the token was issued to.
func (c *Claims) PrincipalID() string { return c.Subject }

// Principals looks up configured principals. *policy.Policy implements it.
type Principals interface {
	Principal(id string) (model.Principal, bool)
}

// Authenticate checks an API key against the principal's stored hash.
// Unknown principals still pay for a hash so timing does not reveal which
// ids exist.
func Authenticate(principals Principals, id, apiKey string) (model.Principal, error) {
	p, ok := principals.Principal(id)
	if !ok || p.APIKeyHash == "" {
		DummyVerify()
		return model.Principal{}, ErrInvalidCredentials
	}
	valid, err := VerifyAPIKey(apiKey, p.APIKeyHash)
	if err != nil {
		return model.Principal{}, fmt.Errorf("auth: principal %s: %w", id, err)
	}
	if !valid {
		return model.Principal{}, ErrInvalidCredentials
	}
	return p, nil
}

// JWTManager handles JWT creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager creates a JWTManager from PEM key files.
// If paths are empty, generates an ephemeral key pair (for development).
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	edPriv, err := readPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	edPub, err := readPublicKey(publicKeyPath)
	if err != nil {
		return nil, err
	}

	// A private key from one environment paired with a public key from another
	// would issue tokens nothing can validate.
	derivedPub := edPriv.Public().(ed25519.PublicKey)
	if !bytes.Equal(derivedPub, edPub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}

	return &JWTManager{privateKey: edPriv, publicKey: edPub, expiration: expiration}, nil
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	privPEM, err := os.ReadFile(path) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("auth: decode private key PEM")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	edPriv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}
	return edPriv, nil
}

func readPublicKey(path string) (ed25519.PublicKey, error) {
	pubPEM, err := os.ReadFile(path) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	return edPub, nil
}

// IssueToken creates a signed JWT for the given principal.
func (m *JWTManager) IssueToken(p model.Principal) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Authority: p.Authority,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}

	if claims.Issuer != issuer {
		return nil, fmt.Errorf("auth: invalid issuer: %s", claims.Issuer)
	}
	if err := model.ValidatePrincipalID(claims.Subject); err != nil {
		return nil, fmt.Errorf("auth: invalid subject: %w", err)
	}
	if claims.Authority == "" {
		return nil, fmt.Errorf("auth: token carries no authority")
	}

	return claims, nil
}
