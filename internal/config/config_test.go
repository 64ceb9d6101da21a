package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	testToken = "MTIzNDU2Nzg5MDEyMzQ1Njc4.abcdef.ghijklmnopqrstuvwxyz0123456789"
	testAppID = "123456789012345678"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestApplyEnvOverridesDefaults(t *testing.T) {
	cfg := Defaults()
	err := cfg.applyEnv(envMap(map[string]string{
		"DISCORD_BOT_TOKEN":              testToken,
		"DISCORD_APPLICATION_ID":         testAppID,
		"ALLOWED_GUILDS":                 " 111, ,222 ",
		"RATE_LIMIT_REQUESTS_PER_SECOND": "2.5",
		"RATE_LIMIT_BURST_SIZE":          "3",
		"BREAKER_COOLDOWN":               "5s",
	}))
	if err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(cfg.AllowedGuilds) != 2 || cfg.AllowedGuilds[0] != "111" || cfg.AllowedGuilds[1] != "222" {
		t.Fatalf("unexpected guilds %v", cfg.AllowedGuilds)
	}
	if cfg.AllowedChannels != nil {
		t.Fatalf("expected unrestricted channels, got %v", cfg.AllowedChannels)
	}
	if cfg.RequestsPerSecond != 2.5 || cfg.BurstSize != 3 {
		t.Fatalf("unexpected limiter settings %v/%d", cfg.RequestsPerSecond, cfg.BurstSize)
	}
	if cfg.BreakerCooldown != 5*time.Second {
		t.Fatalf("unexpected cooldown %v", cfg.BreakerCooldown)
	}
	if cfg.UserAgent() != "Discord MCP Server/0.1.0" {
		t.Fatalf("unexpected user agent %q", cfg.UserAgent())
	}
}

func TestApplyEnvReportsBadNumbers(t *testing.T) {
	cfg := Defaults()
	err := cfg.applyEnv(envMap(map[string]string{
		"RATE_LIMIT_BURST_SIZE": "many",
		"INBOUND_RPS":           "fast",
	}))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "RATE_LIMIT_BURST_SIZE") || !strings.Contains(err.Error(), "INBOUND_RPS") {
		t.Fatalf("expected both keys in error, got %v", err)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cfg := Defaults()
	cfg.BotToken = "short"
	cfg.ApplicationID = "12ab"
	cfg.RequestsPerSecond = 51
	cfg.BurstSize = 0
	cfg.LogLevel = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"bot token", "application id", "requests per second", "burst size", "log level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestValidateRejectsNonFiniteRates(t *testing.T) {
	for _, v := range []string{"NaN", "Inf", "-Inf"} {
		cfg := Defaults()
		err := cfg.applyEnv(envMap(map[string]string{
			"DISCORD_BOT_TOKEN":              testToken,
			"DISCORD_APPLICATION_ID":         testAppID,
			"RATE_LIMIT_REQUESTS_PER_SECOND": v,
			"INBOUND_RPS":                    v,
		}))
		if err != nil {
			t.Fatalf("applyEnv(%s): %v", v, err)
		}
		err = cfg.Validate()
		if err == nil {
			t.Fatalf("expected %s rates to be rejected", v)
		}
		for _, want := range []string{"requests per second", "inbound rps"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("%s: expected %q in %v", v, want, err)
			}
		}
	}
}

func TestSplitIDsEmpty(t *testing.T) {
	if got := SplitIDs(" , ,"); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestLoadMergesFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adapter.yaml")
	body := "bot_token: " + testToken + "\n" +
		"application_id: \"" + testAppID + "\"\n" +
		"allowed_channels: [\"333\"]\n" +
		"burst_size: 7\n" +
		"api_keys:\n  - key: k1\n    name: ops\n    role: admin\n    enabled: true\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("RATE_LIMIT_BURST_SIZE", "9")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BurstSize != 9 {
		t.Fatalf("env should override file, got burst %d", cfg.BurstSize)
	}
	if len(cfg.AllowedChannels) != 1 || cfg.AllowedChannels[0] != "333" {
		t.Fatalf("unexpected channels %v", cfg.AllowedChannels)
	}
	if len(cfg.APIKeys) != 1 || cfg.APIKeys[0].Role != "admin" {
		t.Fatalf("unexpected api keys %+v", cfg.APIKeys)
	}
}
