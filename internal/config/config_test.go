// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "courier-cli", cfg.Logger().ServiceName)
	assert.False(t, cfg.Browser().Headless)
	assert.Equal(t, 60*time.Second, cfg.Network().NavigationTimeout)
	assert.Equal(t, "#email", cfg.Session().IdentifierSelector)
	assert.Equal(t, PolicyFail, cfg.Session().InconclusivePolicy)
	assert.Equal(t, time.Second, cfg.Captcha().PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Captcha().Timeout)
	assert.Equal(t, 7*time.Second, cfg.Interaction().EntryTimeout)
	assert.Equal(t, 2*time.Second, cfg.Interaction().AlternativeTimeout)
	assert.Equal(t, DefaultInputAlternatives, cfg.Interaction().InputAlternatives)
	assert.Equal(t, DefaultMinDelay, cfg.Run().MinDelay)
	assert.Equal(t, DefaultMaxDelay, cfg.Run().MaxDelay)
	assert.Equal(t, "Profile Link", cfg.Run().TargetsColumn)
	assert.Equal(t, "~/.courier/state.json", cfg.Database().LocalPath)
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.SessionCfg.ServiceURL = "https://www.example.com/"

		err := cfg.Validate()
		assert.NoError(t, err, "A valid config should not produce a validation error")
		assert.Equal(t, "example.com", cfg.Session().Domain, "Domain should be derived from the service URL")

		missingURL := NewDefaultConfig()
		err = missingURL.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "session.service_url")

		badPolicy := NewDefaultConfig()
		badPolicy.SessionCfg.ServiceURL = "https://example.com"
		badPolicy.SessionCfg.InconclusivePolicy = "maybe"
		err = badPolicy.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "inconclusive_policy")

		negativeCeiling := NewDefaultConfig()
		negativeCeiling.SessionCfg.ServiceURL = "https://example.com"
		negativeCeiling.RunCfg.MaxPerHour = -1
		assert.Error(t, negativeCeiling.Validate())
	})

	t.Run("Explicit Domain Is Kept", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.SessionCfg.ServiceURL = "https://www.example.com/"
		cfg.SessionCfg.Domain = "m.example.com"
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "m.example.com", cfg.Session().Domain)
	})

	t.Run("Malformed Delay Bounds Are Not A Validation Error", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.SessionCfg.ServiceURL = "https://example.com"
		cfg.SetRunDelayBounds(-5, 10)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("Captcha Validation", func(t *testing.T) {
		valid := CaptchaConfig{PollInterval: time.Second, Timeout: time.Minute}
		assert.NoError(t, valid.Validate())

		zeroPoll := valid
		zeroPoll.PollInterval = 0
		assert.Error(t, zeroPoll.Validate())

		shortTimeout := valid
		shortTimeout.Timeout = 500 * time.Millisecond
		assert.Error(t, shortTimeout.Validate())
	})
}

// -- Viper Integration Tests --

func TestNewConfigFromViper(t *testing.T) {
	yamlConfig := []byte(`
logger:
  level: debug
session:
  service_url: https://www.example.org/
  identifier: operator@example.org
  inconclusive_policy: succeed
captcha:
  poll_interval: 200ms
  timeout: 10s
run:
  min_delay: 3
  max_delay: 7
  relationship_action: true
`)
	t.Setenv("COURIER_SESSION_SECRET", "s3cret")
	t.Setenv("COURIER_DATABASE_PASSPHRASE", "vault-phrase")

	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger().Level)
	assert.Equal(t, "example.org", cfg.Session().Domain)
	assert.Equal(t, "operator@example.org", cfg.Session().Identifier)
	assert.Equal(t, "s3cret", cfg.Session().Secret)
	assert.Equal(t, "vault-phrase", cfg.Database().Passphrase)
	assert.Equal(t, PolicySucceed, cfg.Session().InconclusivePolicy)
	assert.Equal(t, 200*time.Millisecond, cfg.Captcha().PollInterval)
	assert.Equal(t, 3.0, cfg.Run().MinDelay)
	assert.Equal(t, 7.0, cfg.Run().MaxDelay)
	assert.True(t, cfg.Run().RelationshipAction)
	// Untouched sections keep their defaults.
	assert.Equal(t, "#pass", cfg.Session().SecretSelector)
}

func TestNewConfigFromViper_InvalidCaptcha(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("session.service_url", "https://example.org")
	v.Set("captcha.timeout", "10ms")

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "captcha configuration invalid")
}

func TestLoad_SkipsValidation(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("database.local_path", "/tmp/state.json")

	cfg, err := Load(v)
	require.NoError(t, err, "a missing service url only matters to commands that browse")
	assert.Empty(t, cfg.Session().ServiceURL)
	assert.Equal(t, "/tmp/state.json", cfg.Database().LocalPath)

	_, err = NewConfigFromViper(v)
	assert.Error(t, err)
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SetRunDelayBounds(1, 2)
	cfg.SetRunRelationshipAction(true)
	cfg.SetBrowserHeadless(true)

	assert.Equal(t, 1.0, cfg.Run().MinDelay)
	assert.Equal(t, 2.0, cfg.Run().MaxDelay)
	assert.True(t, cfg.Run().RelationshipAction)
	assert.True(t, cfg.Browser().Headless)
}
