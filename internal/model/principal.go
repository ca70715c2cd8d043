package model

import "fmt"

// Principal is a caller identity known to policy: an agent, a system
// pipeline or a human ratifier.
type Principal struct {
	ID         string    `json:"id" yaml:"id"`
	Authority  Authority `json:"authority" yaml:"authority"`
	APIKeyHash string    `json:"-" yaml:"api_key_hash"`
}

// ValidatePrincipalID checks that a principal ID conforms to the allowed format.
// IDs must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, and @ signs.
func ValidatePrincipalID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("principal_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("principal_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("principal_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
