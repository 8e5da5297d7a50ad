// Package config loads the daemon's TOML configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"

	"github.com/embeddedlink/epacket-go/pkg/epacket"
	"github.com/embeddedlink/epacket-go/pkg/rpc"
)

const (
	DefaultLogLevel        = 4
	DefaultWatchdogSeconds = 10
)

// InterfaceConfig describes one transport interface. Type selects the
// implementation; the remaining fields apply to matching types only.
type InterfaceConfig struct {
	Type    string `toml:"type"` // udp, serial, mqtt, loopback
	Enabled bool   `toml:"enabled"`
	MTU     int    `toml:"mtu"`
	// Plaintext disables the encrypted codec, for bench loopback use
	Plaintext bool `toml:"plaintext"`

	// udp
	Listen string `toml:"listen"`
	Target string `toml:"target"`

	// serial
	Port     string `toml:"port"`
	BaudRate int    `toml:"baud_rate"`

	// mqtt
	Broker   string `toml:"broker"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	TxTopic  string `toml:"tx_topic"`
	RxTopic  string `toml:"rx_topic"`
}

type SecurityConfig struct {
	DeviceKey    string `toml:"device_key"` // 32 bytes, hex
	DeviceKeyID  uint32 `toml:"device_key_id"`
	NetworkKey   string `toml:"network_key"` // 32 bytes, hex
	NetworkKeyID uint32 `toml:"network_key_id"`
}

type RPCConfig struct {
	AckPeriod  uint8 `toml:"ack_period"`
	QueueDepth int   `toml:"queue_depth"`
}

type GatewayConfig struct {
	Enabled bool `toml:"enabled"`
	// Backhaul names the interface forwarded packets are relayed to
	Backhaul          string `toml:"backhaul"`
	OnlyDecrypted     bool   `toml:"only_decrypted"`
	OnlyTaggedData    bool   `toml:"only_tagged_data"`
	OnlyAnnouncements bool   `toml:"only_announcements"`
}

type Config struct {
	DeviceID        uint64 `toml:"device_id"`
	Application     string `toml:"application"`
	Version         uint32 `toml:"version"`
	LogLevel        int    `toml:"log_level"`
	WatchdogSeconds int    `toml:"watchdog_seconds"`

	Security   SecurityConfig              `toml:"security"`
	RPC        RPCConfig                   `toml:"rpc"`
	Gateway    GatewayConfig               `toml:"gateway"`
	Interfaces map[string]*InterfaceConfig `toml:"interfaces"`

	ConfigPath string `toml:"-"`
}

func DefaultConfig() *Config {
	return &Config{
		Application:     "epacketd",
		LogLevel:        DefaultLogLevel,
		WatchdogSeconds: DefaultWatchdogSeconds,
		RPC:             RPCConfig{AckPeriod: rpc.MaxAckPeriod, QueueDepth: rpc.DefaultQueueDepth},
		Interfaces:      make(map[string]*InterfaceConfig),
	}
}

func GetConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".epacket", "config"), nil
}

func EnsureConfigDir() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(homeDir, ".epacket"), 0700)
}

// LoadConfig loads and validates the configuration at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.ConfigPath = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(cfg.ConfigPath, data, 0600)
}

// CreateDefaultConfig writes a starter configuration with a loopback
// interface and placeholder keys.
func CreateDefaultConfig(path string) error {
	cfg := DefaultConfig()
	cfg.DeviceID = 1
	cfg.Security = SecurityConfig{
		DeviceKey:    hex.EncodeToString(make([]byte, 32)),
		DeviceKeyID:  1,
		NetworkKey:   hex.EncodeToString(make([]byte, 32)),
		NetworkKeyID: 1,
	}
	cfg.Interfaces["loopback"] = &InterfaceConfig{
		Type:    "loopback",
		Enabled: true,
		MTU:     epacket.DefaultMTU,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	cfg.ConfigPath = path
	return SaveConfig(cfg)
}

// InitConfig loads the configuration, creating a default one first if
// none exists yet.
func InitConfig() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := CreateDefaultConfig(configPath); err != nil {
			return nil, err
		}
	}
	return LoadConfig(configPath)
}

func (c *Config) Validate() error {
	if c.DeviceID == 0 {
		return fmt.Errorf("config: device_id must be set")
	}
	if _, err := c.DeviceKeyBytes(); err != nil {
		return err
	}
	if _, err := c.NetworkKeyBytes(); err != nil {
		return err
	}
	if c.RPC.AckPeriod > rpc.MaxAckPeriod {
		return fmt.Errorf("config: rpc ack_period %d exceeds maximum %d", c.RPC.AckPeriod, rpc.MaxAckPeriod)
	}
	if c.Gateway.Enabled {
		ifc, ok := c.Interfaces[c.Gateway.Backhaul]
		if !ok || !ifc.Enabled {
			return fmt.Errorf("config: gateway backhaul %q is not an enabled interface", c.Gateway.Backhaul)
		}
	}
	for name, ifc := range c.Interfaces {
		if ifc.MTU == 0 {
			ifc.MTU = epacket.DefaultMTU
		}
		switch ifc.Type {
		case "udp", "serial", "mqtt", "loopback":
		default:
			return fmt.Errorf("config: interface %q has unknown type %q", name, ifc.Type)
		}
	}
	return nil
}

func (c *Config) DeviceKeyBytes() ([]byte, error) {
	return keyBytes("device_key", c.Security.DeviceKey)
}

func (c *Config) NetworkKeyBytes() ([]byte, error) {
	return keyBytes("network_key", c.Security.NetworkKey)
}

func keyBytes(name, value string) ([]byte, error) {
	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("config: %s is not valid hex: %w", name, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: %s must be 32 bytes, got %d", name, len(key))
	}
	return key, nil
}
