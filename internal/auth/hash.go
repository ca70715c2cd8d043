package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// A principal's api_key_hash is a PHC string:
//
//	argon2id$v=19$m=65536,t=1,p=4$<salt>$<sum>
//
// with unpadded base64 salt and sum. The cost parameters are read back from
// the hash, so raising them only affects keys hashed afterwards.

const (
	hashAlgorithm = "argon2id"
	saltLen       = 16
)

var b64 = base64.RawStdEncoding

// keyParams are the Argon2id cost parameters recorded with a hash.
type keyParams struct {
	time    uint32
	memory  uint32 // KiB
	threads uint8
	keyLen  uint32
}

// defaultParams are used for newly hashed principal keys.
var defaultParams = keyParams{time: 1, memory: 64 * 1024, threads: 4, keyLen: 32}

func (p keyParams) derive(apiKey string, salt []byte) []byte {
	return argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, p.keyLen)
}

// keyHash is a decoded api_key_hash.
type keyHash struct {
	params keyParams
	salt   []byte
	sum    []byte
}

func (h keyHash) String() string {
	return fmt.Sprintf("%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		hashAlgorithm, argon2.Version,
		h.params.memory, h.params.time, h.params.threads,
		b64.EncodeToString(h.salt), b64.EncodeToString(h.sum))
}

func (h keyHash) matches(apiKey string) bool {
	return subtle.ConstantTimeCompare(h.sum, h.params.derive(apiKey, h.salt)) == 1
}

func parseKeyHash(encoded string) (keyHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != hashAlgorithm {
		return keyHash{}, fmt.Errorf("auth: api_key_hash is not an %s PHC string", hashAlgorithm)
	}
	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil || version != argon2.Version {
		return keyHash{}, fmt.Errorf("auth: unsupported argon2 version %q", parts[1])
	}
	var h keyHash
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &h.params.memory, &h.params.time, &h.params.threads); err != nil {
		return keyHash{}, fmt.Errorf("auth: parse argon2 parameters %q: %w", parts[2], err)
	}
	if h.params.memory == 0 || h.params.time == 0 || h.params.threads == 0 {
		return keyHash{}, fmt.Errorf("auth: argon2 parameters %q must be positive", parts[2])
	}
	var err error
	if h.salt, err = b64.DecodeString(parts[3]); err != nil {
		return keyHash{}, fmt.Errorf("auth: decode salt: %w", err)
	}
	if h.sum, err = b64.DecodeString(parts[4]); err != nil {
		return keyHash{}, fmt.Errorf("auth: decode hash: %w", err)
	}
	if len(h.sum) == 0 {
		return keyHash{}, fmt.Errorf("auth: empty hash")
	}
	h.params.keyLen = uint32(len(h.sum)) //nolint:gosec // bounded by the decoded field
	return h, nil
}

// HashAPIKey returns the api_key_hash policy entry for a principal's key.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	h := keyHash{params: defaultParams, salt: salt, sum: defaultParams.derive(apiKey, salt)}
	return h.String(), nil
}

// VerifyAPIKey reports whether apiKey matches a principal's api_key_hash.
// A malformed hash is a configuration error, not a mismatch.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	h, err := parseKeyHash(encoded)
	if err != nil {
		return false, err
	}
	return h.matches(apiKey), nil
}

// DummyVerify spends one default-cost derivation. Token requests for unknown
// or malformed principal ids call it so they take as long as a real check.
func DummyVerify() {
	defaultParams.derive("", make([]byte, saltLen))
}
