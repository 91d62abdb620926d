// Package appconfig loads the YAML boot configuration the natlink-emu
// process is started from: adapter selection, crypto key material, store
// path, the extension/Tree-device topology, and the optional MQTT/automation
// toggles (SPEC_FULL.md §3a). Shape and defaulting style mirror the teacher's
// cmd/zigbee-home/main.go Config/loadConfig/validate.
package appconfig

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/VVlasy/loxone-link-go/internal/natcrypto"
)

type Config struct {
	Adapter    AdapterConfig     `yaml:"adapter"`
	Crypto     CryptoConfig      `yaml:"crypto"`
	Store      StoreConfig       `yaml:"store"`
	Extensions []ExtensionConfig `yaml:"extensions"`
	MQTT       MQTTConfig        `yaml:"mqtt"`
	Automation AutomationConfig  `yaml:"automation"`
	Log        LogConfig         `yaml:"log"`
}

type AdapterConfig struct {
	Type string `yaml:"type"` // "slcan" | "socketcan"
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

type CryptoConfig struct {
	AESKeyHex          string   `yaml:"aes_key_hex"`
	AESIVHex           string   `yaml:"aes_iv_hex"`
	LegacyKey          [4]uint32 `yaml:"legacy_key"`
	LegacyIV           [4]uint32 `yaml:"legacy_iv"`
	MasterDeviceIDHex  string   `yaml:"master_device_id_hex"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type ExtensionConfig struct {
	Serial     uint32            `yaml:"serial"`
	DeviceType uint16            `yaml:"device_type"`
	HWVersion  uint8             `yaml:"hw_version"`
	FWVersion  uint32            `yaml:"fw_version"`
	Tree       []TreeDeviceConfig `yaml:"tree"`
}

type TreeDeviceConfig struct {
	Serial     uint32 `yaml:"serial"`
	DeviceType uint16 `yaml:"device_type"`
	HWVersion  uint8  `yaml:"hw_version"`
	FWVersion  uint32 `yaml:"fw_version"`
	BranchTag  uint8  `yaml:"branch_tag"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type AutomationConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ScriptsDir string `yaml:"scripts_dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the YAML file at path, then applies defaults the
// same way the teacher's loadConfig does.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("appconfig: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("appconfig: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Adapter.Type == "" {
		c.Adapter.Type = "slcan"
	}
	if c.Adapter.Baud == 0 {
		c.Adapter.Baud = 115200
	}
	if c.Store.Path == "" {
		c.Store.Path = "natlink.db"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "loxone-link"
	}
	if c.Automation.ScriptsDir == "" {
		c.Automation.ScriptsDir = "./sinks"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks the invariants the core engine and adapters rely on,
// mirroring the teacher's Config.validate.
func (c *Config) Validate() error {
	switch c.Adapter.Type {
	case "slcan", "socketcan":
	default:
		return fmt.Errorf("appconfig: unknown adapter.type %q (supported: slcan, socketcan)", c.Adapter.Type)
	}
	if c.Adapter.Port == "" {
		return fmt.Errorf("appconfig: adapter.port is required")
	}
	if len(c.Extensions) == 0 {
		return fmt.Errorf("appconfig: at least one extension is required")
	}
	for _, ext := range c.Extensions {
		if ext.Serial == 0 {
			return fmt.Errorf("appconfig: extension serial must be nonzero")
		}
	}
	return nil
}

// BuildCrypto decodes the hex key blobs and builds an immutable
// natcrypto.Config, matching natcrypto.NewConfig's [DEK,JS,DJB,RS]-derived
// modern schedule.
func (c *Config) BuildCrypto() (natcrypto.Config, error) {
	aesKey, err := hex.DecodeString(c.Crypto.AESKeyHex)
	if err != nil {
		return natcrypto.Config{}, fmt.Errorf("appconfig: crypto.aes_key_hex: %w", err)
	}
	aesIV, err := hex.DecodeString(c.Crypto.AESIVHex)
	if err != nil {
		return natcrypto.Config{}, fmt.Errorf("appconfig: crypto.aes_iv_hex: %w", err)
	}
	masterID, err := hex.DecodeString(c.Crypto.MasterDeviceIDHex)
	if err != nil {
		return natcrypto.Config{}, fmt.Errorf("appconfig: crypto.master_device_id_hex: %w", err)
	}
	return natcrypto.NewConfig(aesKey, aesIV, c.Crypto.LegacyKey, c.Crypto.LegacyIV, masterID), nil
}
