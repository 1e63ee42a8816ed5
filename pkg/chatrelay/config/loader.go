package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR.
//
// Capture groups: 1 = name in ${} form, 2 = modifier ("-" or "?"),
// 3 = default value or error text, 4 = bare $VAR name.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadFromFile reads a YAML config file, loading .env files and expanding
// environment references first. Empty secrets are resolved afterwards from
// the environment and the OS keyring.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// LoadFromEnv builds a Config with no file at all, from .env files and the
// process environment.
func LoadFromEnv() *Config {
	loadEnvFiles()
	cfg := DefaultConfig()
	resolveSecrets(cfg)
	return cfg
}

// Parse decodes YAML on top of DefaultConfig.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML. Secrets that match an environment variable are
// written back as ${VAR} references. An existing file is kept as .bak.
func Save(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.LLM.APIKey = sanitizeSecret(cfg.LLM.APIKey, "OPENAI_API_KEY")
	sanitized.Channels.Telegram.Token = sanitizeSecret(cfg.Channels.Telegram.Token, "TELEGRAM_TOKEN")
	sanitized.Channels.Discord.Token = sanitizeSecret(cfg.Channels.Discord.Token, "DISCORD_TOKEN")
	sanitized.History.Notion.Token = sanitizeSecret(cfg.History.Notion.Token, "NOTION_TOKEN")
	sanitized.History.PostgreSQL.URL = sanitizeSecret(cfg.History.PostgreSQL.URL, "CHATRELAY_DATABASE_URL")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindFile returns the first config file found in the standard locations,
// or "" if there is none.
func FindFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"chatrelay.yaml",
		"chatrelay.yml",
		"configs/config.yaml",
		"configs/chatrelay.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// AuditSecrets warns about secrets hardcoded in the config file.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	secrets := map[string]string{
		"llm.api_key":             cfg.LLM.APIKey,
		"channels.telegram.token": cfg.Channels.Telegram.Token,
		"channels.discord.token":  cfg.Channels.Discord.Token,
		"history.notion.token":    cfg.History.Notion.Token,
	}
	for field, value := range secrets {
		if looksLikeRealKey(value) && !fromEnvironment(value) {
			logger.Warn("secret appears to be hardcoded in config",
				"field", field,
				"hint", "use a ${VAR} reference or `chatrelay config set-key`")
		}
	}
}

// IsEnvReference reports whether s is an unexpanded ${VAR} or $VAR.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// ---------- Internal ----------

// loadEnvFiles loads .env and .env.local. Existing variables win.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars substitutes environment references in input. An unset
// ${VAR:?msg} becomes an "ERROR:VAR:msg" marker picked up by
// expandEnvVarsWithValidation.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, modValue, bareVar := sub[1], sub[2], sub[3], sub[4]

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		switch modifier {
		case "?":
			if modValue == "" {
				modValue = "required environment variable not set"
			}
			return "ERROR:" + varName + ":" + modValue
		case "-":
			return modValue
		}
		return match
	})
}

func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	idx := strings.Index(result, "ERROR:")
	if idx == -1 {
		return result, nil
	}
	rest := result[idx+len("ERROR:"):]
	colon := strings.Index(rest, ":")
	if colon == -1 {
		return "", fmt.Errorf("config error: malformed error marker")
	}
	varName := rest[:colon]
	msg := rest[colon+1:]
	if nl := strings.IndexByte(msg, '\n'); nl != -1 {
		msg = msg[:nl]
	}
	return "", fmt.Errorf("config error: %s - %s", varName, strings.TrimSpace(msg))
}

// resolveSecrets fills empty or unexpanded settings from the environment,
// then from the OS keyring.
func resolveSecrets(cfg *Config) {
	fill := func(dst *string, envVars ...string) {
		if *dst != "" && !IsEnvReference(*dst) {
			return
		}
		for _, name := range envVars {
			if v := os.Getenv(name); v != "" {
				*dst = v
				return
			}
		}
		for _, name := range envVars {
			if v := GetKeyring(name); v != "" {
				*dst = v
				return
			}
		}
	}

	fill(&cfg.Channels.Telegram.Token, "TELEGRAM_TOKEN")
	fill(&cfg.Channels.Discord.Token, "DISCORD_TOKEN")
	fill(&cfg.BotUsername, "TG_BOT_USERNAME")
	fill(&cfg.LLM.APIKey, "OPENAI_API_KEY", "CHATRELAY_API_KEY")
	fill(&cfg.History.Notion.Token, "NOTION_TOKEN")
	fill(&cfg.History.Notion.DatabaseID, "NOTION_DATABASE_ID")
	fill(&cfg.History.PostgreSQL.URL, "CHATRELAY_DATABASE_URL")
	fill(&cfg.Gateway.AuthToken, "CHATRELAY_GATEWAY_TOKEN")

	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" && cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CHATRELAY_HISTORY_BACKEND"); v != "" {
		cfg.History.Backend = v
	}
	if v := os.Getenv("CHATRELAY_HISTORY_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HistoryWindow = n
		}
	}
}

// resolveRelativePaths anchors the SQLite path at the config file directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	p := cfg.History.SQLite.Path
	if p == "" || p == ":memory:" {
		return
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(filepath.Dir(configPath), p)
	}
	cfg.History.SQLite.Path = p
}

func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}

// fromEnvironment reports whether value is the current value of one of the
// known secret variables.
func fromEnvironment(value string) bool {
	for _, name := range []string{"OPENAI_API_KEY", "CHATRELAY_API_KEY", "TELEGRAM_TOKEN", "DISCORD_TOKEN", "NOTION_TOKEN"} {
		if v := os.Getenv(name); v != "" && v == value {
			return true
		}
	}
	return false
}

func looksLikeRealKey(s string) bool {
	if s == "" || IsEnvReference(s) {
		return false
	}
	if strings.HasPrefix(s, "sk-") || strings.HasPrefix(s, "secret_") || strings.HasPrefix(s, "ntn_") {
		return true
	}
	return len(s) > 20
}

// checkFilePermissions warns when the config file is group or world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
		)
	}
}
