package config

import (
	"fmt"
	"strings"
)

// SetAPIToken stores the management API token in the platform secret store:
// macOS Keychain, or the local secrets file elsewhere.
func SetAPIToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("token must not be empty")
	}
	return keychainStore("memento", "api_token", token)
}
