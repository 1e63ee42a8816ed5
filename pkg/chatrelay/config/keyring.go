package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// keyringService is the service name secrets are stored under.
const keyringService = "chatrelay"

// SecretNames lists the keys `config set-key` accepts. They double as the
// environment variable names resolveSecrets consults.
var SecretNames = []string{
	"OPENAI_API_KEY",
	"TELEGRAM_TOKEN",
	"DISCORD_TOKEN",
	"NOTION_TOKEN",
	"NOTION_DATABASE_ID",
	"CHATRELAY_DATABASE_URL",
	"CHATRELAY_GATEWAY_TOKEN",
}

// StoreKeyring saves a secret in the OS keyring.
func StoreKeyring(key, value string) error {
	if err := keyring.Set(keyringService, key, value); err != nil {
		return fmt.Errorf("storing %s in keyring: %w", key, err)
	}
	return nil
}

// GetKeyring returns the stored secret, or "" when absent or unavailable.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks the keyring with a write/delete round trip.
func KeyringAvailable() bool {
	const probe = "__chatrelay_probe__"
	if err := keyring.Set(keyringService, probe, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, probe)
	return true
}

// IsSecretName reports whether name is one of SecretNames.
func IsSecretName(name string) bool {
	for _, s := range SecretNames {
		if s == name {
			return true
		}
	}
	return false
}

// ReadPassword prompts on stderr and reads a line without echo when stdin
// is a terminal, falling back to a plain line read otherwise.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimSpace(line), nil
}
