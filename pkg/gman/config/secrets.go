package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// KeyringService is the service name used in the OS keyring.
	KeyringService = "gman"

	// KeyringDiscordToken is the keyring entry holding the bot token.
	KeyringDiscordToken = "discord_token"

	// EnvDiscordToken overrides the configured bot token.
	EnvDiscordToken = "GMAN_DISCORD_TOKEN"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(KeyringService, key, value)
}

// GetKeyring returns a secret from the OS keyring, or "" when absent or
// when no keyring is reachable.
func GetKeyring(key string) string {
	v, err := keyring.Get(KeyringService, key)
	if err != nil {
		return ""
	}
	return v
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(KeyringService, key)
}

// ResolveDiscordToken fills cfg.Discord.Token from the keyring, then the
// environment, falling back to the configured value. It returns where the
// token came from.
func ResolveDiscordToken(cfg *Config, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	if v := GetKeyring(KeyringDiscordToken); v != "" {
		cfg.Discord.Token = v
		logger.Debug("discord token loaded from OS keyring")
		return "keyring"
	}
	if v := os.Getenv(EnvDiscordToken); v != "" {
		cfg.Discord.Token = v
		logger.Debug("discord token loaded from environment")
		return "env"
	}
	if cfg.Discord.Token != "" && !IsEnvReference(cfg.Discord.Token) {
		logger.Warn("discord token is stored in the config file",
			"hint", "run 'gman config set-token' or set "+EnvDiscordToken)
		return "config"
	}
	cfg.Discord.Token = ""
	return ""
}

// IsEnvReference reports whether s is an unexpanded environment reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}
