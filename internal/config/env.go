package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Env var names required per platform.
const (
	EnvSlackBotToken      = "SLACK_BOT_TOKEN"
	EnvSlackAppToken      = "SLACK_APP_TOKEN"
	EnvSlackSigningSecret = "SLACK_SIGNING_SECRET"
	EnvTelegramBotToken   = "TELEGRAM_BOT_TOKEN"
)

// LoadEnv parses the KEY=value .env file under root. Blank lines and
// #-prefixed lines are ignored. Process environment wins over file values
// so deployments can override without editing the file. A missing file is
// not an error.
func LoadEnv(root string) (map[string]string, error) {
	env := make(map[string]string)

	path := filepath.Join(root, ".env")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return overlayProcessEnv(env), nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if key != "" {
			env[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return overlayProcessEnv(env), nil
}

func overlayProcessEnv(env map[string]string) map[string]string {
	for _, key := range []string{
		EnvSlackBotToken, EnvSlackAppToken, EnvSlackSigningSecret, EnvTelegramBotToken,
	} {
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}
	return env
}

// SlackTokensPresent reports whether the env carries what the Slack adapter
// needs for the given mode.
func SlackTokensPresent(env map[string]string, mode string) bool {
	if env[EnvSlackBotToken] == "" {
		return false
	}
	if mode == SlackModeSocket {
		return env[EnvSlackAppToken] != ""
	}
	return env[EnvSlackSigningSecret] != ""
}

// TelegramTokenPresent reports whether the Telegram bot token is set.
func TelegramTokenPresent(env map[string]string) bool {
	return env[EnvTelegramBotToken] != ""
}
