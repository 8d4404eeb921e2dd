package authcore

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Token.AccessTTL != 15*time.Minute {
		t.Fatalf("AccessTTL = %v", cfg.Token.AccessTTL)
	}
	if cfg.Token.RefreshTTL != 7*24*time.Hour {
		t.Fatalf("RefreshTTL = %v", cfg.Token.RefreshTTL)
	}
	if cfg.Lockout.MaxFailures != 5 || cfg.Lockout.Window != 15*time.Minute {
		t.Fatalf("lockout defaults = %d/%v", cfg.Lockout.MaxFailures, cfg.Lockout.Window)
	}
	if cfg.Device.MaxPerUser != 3 || cfg.Device.Eviction != EvictOldest {
		t.Fatalf("device defaults = %d/%v", cfg.Device.MaxPerUser, cfg.Device.Eviction)
	}
	if cfg.TOTP.Digits != 6 || cfg.TOTP.Period != 30 || cfg.TOTP.Skew != 1 {
		t.Fatalf("totp defaults = %d/%d/%d", cfg.TOTP.Digits, cfg.TOTP.Period, cfg.TOTP.Skew)
	}
	if cfg.Password.HistoryDepth != 5 || cfg.Password.MaxAge != 90*24*time.Hour {
		t.Fatalf("password defaults = %d/%v", cfg.Password.HistoryDepth, cfg.Password.MaxAge)
	}

	// the defaults themselves must validate once a key is supplied
	cfg.Token.SigningMethod = "hs256"
	cfg.Token.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() Config {
		cfg := defaultConfig()
		cfg.Token.SigningMethod = "hs256"
		cfg.Token.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"bad signing method", func(c *Config) { c.Token.SigningMethod = "rs256" }, "SigningMethod"},
		{"hs256 short key", func(c *Config) { c.Token.PrivateKey = []byte("short") }, "32 bytes"},
		{"ed25519 missing key", func(c *Config) {
			c.Token.SigningMethod = "ed25519"
			c.Token.PrivateKey = nil
		}, "PrivateKey"},
		{"refresh shorter than access", func(c *Config) { c.Token.RefreshTTL = time.Minute }, "RefreshTTL"},
		{"zero challenge ttl", func(c *Config) { c.Token.ChallengeTTL = 0 }, "ChallengeTTL"},
		{"zero max failures", func(c *Config) { c.Lockout.MaxFailures = 0 }, "MaxFailures"},
		{"zero device cap", func(c *Config) { c.Device.MaxPerUser = 0 }, "MaxPerUser"},
		{"seven digit totp", func(c *Config) { c.TOTP.Digits = 7 }, "Digits"},
		{"wide skew", func(c *Config) { c.TOTP.Skew = 3 }, "Skew"},
		{"short backup codes", func(c *Config) { c.TOTP.BackupCodeLength = 4 }, "BackupCodeLength"},
		{"tiny argon memory", func(c *Config) { c.Password.Memory = 1024 }, "Memory"},
		{"short min length", func(c *Config) { c.Password.MinLength = 4 }, "MinLength"},
		{"zero event buffer", func(c *Config) { c.Events.BufferSize = 0 }, "BufferSize"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("err = %q, want mention of %q", err, tc.wantSub)
			}
		})
	}
}

func TestCloneConfigCopiesKeys(t *testing.T) {
	cfg := defaultConfig()
	cfg.Token.PrivateKey = []byte("0123456789abcdef0123456789abcdef")

	clone := cloneConfig(cfg)
	clone.Token.PrivateKey[0] = 'X'

	if cfg.Token.PrivateKey[0] == 'X' {
		t.Fatal("clone must not share key storage with the original")
	}
}
