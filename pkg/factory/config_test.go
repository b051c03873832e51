package factory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const providerYAML = `
info:
  version: "1.0"
discovery:
  adapterName: eth0
provider:
  eprUuid: "12345678-1234-1234-1234-123456789abc"
  listenAddr: "0.0.0.0:8443"
logging:
  level: debug
`

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(providerYAML), 0o600))

	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "ldap", cfg.Discovery.MatchBy)
	require.NotNil(t, cfg.Provider)
	assert.Equal(t, 100, cfg.Provider.WaveformIntervalMs)
	assert.Equal(t, 1000, cfg.Provider.AlertIntervalMs)
	assert.Equal(t, 3600, cfg.Provider.MaxSubscriptionDurationSec)
}

func TestValidateRejectsBothProviderAndConsumer(t *testing.T) {
	cfg := &Config{
		Discovery: DiscoverySection{AdapterName: "eth0", MatchBy: "ldap"},
		Provider:  &ProviderSection{EPRUUID: "12345678-1234-1234-1234-123456789abc", ListenAddr: "0.0.0.0:1"},
		Consumer:  &ConsumerSection{ProviderEPRUUID: "12345678-1234-1234-1234-123456789abc", ProviderEndpoint: "http://x"},
		Logging:   LoggingSection{Level: "info"},
	}
	err := validateConfig(cfg)
	assert.ErrorContains(t, err, "not define both")
}

func TestValidateRejectsNeitherProviderNorConsumer(t *testing.T) {
	cfg := &Config{
		Discovery: DiscoverySection{AdapterName: "eth0", MatchBy: "ldap"},
		Logging:   LoggingSection{Level: "info"},
	}
	err := validateConfig(cfg)
	assert.ErrorContains(t, err, "either provider or consumer")
}

func TestValidateRejectsMalformedEPRUUID(t *testing.T) {
	cfg := &Config{
		Discovery: DiscoverySection{AdapterName: "eth0", MatchBy: "ldap"},
		Provider:  &ProviderSection{EPRUUID: "not-a-uuid", ListenAddr: "0.0.0.0:8443", WaveformIntervalMs: 100, MaxSubscriptionDurationSec: 60},
		Logging:   LoggingSection{Level: "info"},
	}
	err := validateConfig(cfg)
	assert.ErrorContains(t, err, "eprUuid")
}

func TestValidateRejectsUnsupportedMatchBy(t *testing.T) {
	cfg := &Config{
		Discovery: DiscoverySection{AdapterName: "eth0", MatchBy: "something-else"},
		Provider:  &ProviderSection{EPRUUID: "12345678-1234-1234-1234-123456789abc", ListenAddr: "0.0.0.0:8443", WaveformIntervalMs: 100, MaxSubscriptionDurationSec: 60},
		Logging:   LoggingSection{Level: "info"},
	}
	err := validateConfig(cfg)
	assert.ErrorContains(t, err, "matchBy")
}
