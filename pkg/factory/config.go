package factory

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
)

// Config is the top-level configuration loaded from config/sdccfg.yaml. It
// configures exactly one role (Provider XOR Consumer); which one the
// process runs is decided by which section is present, mirroring the
// teacher's section-presence-implies-role convention for NRF/Security.
type Config struct {
	Info      InfoSection      `yaml:"info"`
	Discovery DiscoverySection `yaml:"discovery"`
	Provider  *ProviderSection `yaml:"provider,omitempty"`
	Consumer  *ConsumerSection `yaml:"consumer,omitempty"`
	Logging   LoggingSection   `yaml:"logging"`
	Metrics   MetricsSection   `yaml:"metrics"`
}

// ---------- info ----------

type InfoSection struct {
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// ---------- discovery (WS-Discovery, §4.H) ----------

type DiscoverySection struct {
	AdapterName string   `yaml:"adapterName"` // network interface WS-Discovery binds to, e.g. "eth0"
	MatchBy     string   `yaml:"matchBy"`     // ldap | rfc3986 | uuid | strcmp0
	Types       []string `yaml:"types,omitempty"`
	Scopes      []string `yaml:"scopes,omitempty"`
}

// ---------- provider (§4.D/F/H/I/J) ----------

type ProviderSection struct {
	EPRUUID                    string `yaml:"eprUuid"` // stable endpoint reference UUID
	ListenAddr                 string `yaml:"listenAddr"` // SOAP/HTTP listen address, e.g. "0.0.0.0:8443"
	WaveformIntervalMs         int    `yaml:"waveformIntervalMs"`         // §9 Open Question: default 100
	AlertIntervalMs            int    `yaml:"alertIntervalMs"`            // alert-condition evaluation cadence, default 1000
	MaxSubscriptionDurationSec int    `yaml:"maxSubscriptionDurationSec"` // §4.F clamp
	SubscriptionQueueSize      int    `yaml:"subscriptionQueueSize"`
	OperationFastPath          bool   `yaml:"operationFastPath"`         // skip Wait/Started on InvokeOperation
	PersistencePath            string `yaml:"persistencePath,omitempty"` // optional sqlite subscription persistence
}

// ---------- consumer (§4.E/G) ----------

type ConsumerSection struct {
	ProviderEPRUUID         string `yaml:"providerEprUuid"`
	ProviderEndpoint        string `yaml:"providerEndpoint"` // SOAP/HTTP base address of the target provider
	SubscriptionDurationSec int    `yaml:"subscriptionDurationSec"`
	SafetyMarginSec         int    `yaml:"safetyMarginSec"`
	ReorderWindowMs         int    `yaml:"reorderWindowMs"`
	ReorderBufferSize       int    `yaml:"reorderBufferSize"`
}

// ---------- logging ----------

type LoggingSection struct {
	Level        string `yaml:"level"`
	ReportCaller bool   `yaml:"reportCaller"`
}

// ---------- metrics ----------

type MetricsSection struct {
	Enable     bool   `yaml:"enable"`
	ListenAddr string `yaml:"listenAddr"`
}

// ---------- defaults ----------

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Discovery.MatchBy) == "" {
		cfg.Discovery.MatchBy = "ldap"
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Metrics.Enable && strings.TrimSpace(cfg.Metrics.ListenAddr) == "" {
		cfg.Metrics.ListenAddr = "0.0.0.0:9100"
	}

	if cfg.Provider != nil {
		if cfg.Provider.WaveformIntervalMs <= 0 {
			cfg.Provider.WaveformIntervalMs = 100
		}
		if cfg.Provider.AlertIntervalMs <= 0 {
			cfg.Provider.AlertIntervalMs = 1000
		}
		if cfg.Provider.MaxSubscriptionDurationSec <= 0 {
			cfg.Provider.MaxSubscriptionDurationSec = int(time.Hour.Seconds())
		}
		if cfg.Provider.SubscriptionQueueSize <= 0 {
			cfg.Provider.SubscriptionQueueSize = 64
		}
	}
	if cfg.Consumer != nil {
		if cfg.Consumer.SubscriptionDurationSec <= 0 {
			cfg.Consumer.SubscriptionDurationSec = int((10 * time.Minute).Seconds())
		}
		if cfg.Consumer.SafetyMarginSec <= 0 {
			cfg.Consumer.SafetyMarginSec = cfg.Consumer.SubscriptionDurationSec / 10
		}
		if cfg.Consumer.ReorderWindowMs <= 0 {
			cfg.Consumer.ReorderWindowMs = 50
		}
		if cfg.Consumer.ReorderBufferSize <= 0 {
			cfg.Consumer.ReorderBufferSize = 32
		}
	}
}

// ---------- validation helpers ----------

func isValidHostPort(hostport string) bool {
	if !strings.Contains(hostport, ":") {
		return false
	}
	_, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return false
	}
	return strings.TrimSpace(port) != ""
}

// ---------- Validate ----------

func validateConfig(cfg *Config) error {
	if cfg.Provider == nil && cfg.Consumer == nil {
		return fmt.Errorf("config must define either provider or consumer section")
	}
	if cfg.Provider != nil && cfg.Consumer != nil {
		return fmt.Errorf("config must not define both provider and consumer sections")
	}

	switch cfg.Discovery.MatchBy {
	case "ldap", "rfc3986", "uuid", "strcmp0":
	default:
		return fmt.Errorf("discovery.matchBy unsupported: %q", cfg.Discovery.MatchBy)
	}
	if strings.TrimSpace(cfg.Discovery.AdapterName) == "" {
		return fmt.Errorf("discovery.adapterName must not be empty")
	}

	if cfg.Provider != nil {
		if !govalidator.IsUUID(cfg.Provider.EPRUUID) {
			return fmt.Errorf("provider.eprUuid is not a valid UUID: %q", cfg.Provider.EPRUUID)
		}
		if !isValidHostPort(cfg.Provider.ListenAddr) {
			return fmt.Errorf("provider.listenAddr is invalid: %q", cfg.Provider.ListenAddr)
		}
		if cfg.Provider.WaveformIntervalMs <= 0 {
			return fmt.Errorf("provider.waveformIntervalMs must be > 0")
		}
		if cfg.Provider.AlertIntervalMs <= 0 {
			return fmt.Errorf("provider.alertIntervalMs must be > 0")
		}
		if cfg.Provider.MaxSubscriptionDurationSec <= 0 {
			return fmt.Errorf("provider.maxSubscriptionDurationSec must be > 0")
		}
	}

	if cfg.Consumer != nil {
		if !govalidator.IsUUID(cfg.Consumer.ProviderEPRUUID) {
			return fmt.Errorf("consumer.providerEprUuid is not a valid UUID: %q", cfg.Consumer.ProviderEPRUUID)
		}
		if !govalidator.IsURL(cfg.Consumer.ProviderEndpoint) {
			return fmt.Errorf("consumer.providerEndpoint is not a valid URL: %q", cfg.Consumer.ProviderEndpoint)
		}
		if cfg.Consumer.SubscriptionDurationSec <= 0 {
			return fmt.Errorf("consumer.subscriptionDurationSec must be > 0")
		}
		if cfg.Consumer.SafetyMarginSec <= 0 || cfg.Consumer.SafetyMarginSec >= cfg.Consumer.SubscriptionDurationSec {
			return fmt.Errorf("consumer.safetyMarginSec must be > 0 and < subscriptionDurationSec")
		}
	}

	if cfg.Metrics.Enable && !isValidHostPort(cfg.Metrics.ListenAddr) {
		return fmt.Errorf("metrics.listenAddr is invalid: %q", cfg.Metrics.ListenAddr)
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level unsupported: %q", cfg.Logging.Level)
	}
	return nil
}
