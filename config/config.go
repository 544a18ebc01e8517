// Package config loads service configuration from a YAML file and the
// environment, environment taking precedence.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/shopspring/decimal"
)

var ppbScale = decimal.NewFromInt(1_000_000_000)

type Config struct {
	LogLevel string `yaml:"LogLevel" env:"LOG_LEVEL" env-default:"info" env-description:"Log level (debug, info, warn, error)"`

	Oracle OracleConfig `yaml:"Oracle"`
	Store  StoreConfig  `yaml:"Store"`
	NATS   NATSConfig   `yaml:"NATS"`
	API    APIConfig    `yaml:"API"`
}

type OracleConfig struct {
	ChainID             uint64   `yaml:"ChainID" env:"ORACLE_CHAIN_ID" env-default:"1" env-description:"Chain id bound into every report digest"`
	OracleAddress       string   `yaml:"OracleAddress" env:"ORACLE_ADDRESS" env-description:"Oracle instance address bound into every report digest"`
	Reporters           []string `yaml:"Reporters" env:"ORACLE_REPORTERS" env-separator:"," env-description:"Authorized reporter addresses"`
	Quorum              int      `yaml:"Quorum" env:"ORACLE_QUORUM" env-default:"1" env-description:"Minimum number of reporter signatures per round"`
	MaxStalenessSeconds uint64   `yaml:"MaxStalenessSeconds" env:"ORACLE_MAX_STALENESS_SECONDS" env-default:"3600" env-description:"Oldest acceptable report timestamp, in seconds before now"`

	// MaxDeviation is a decimal ratio ("0.5" caps round-over-round change at
	// 50%). It must be expressible in whole parts per billion.
	MaxDeviation string `yaml:"MaxDeviation" env:"ORACLE_MAX_DEVIATION" env-default:"0.5" env-description:"Largest acceptable relative price change per round, as a decimal ratio"`
}

type StoreConfig struct {
	Path       string        `yaml:"Path" env:"STORE_PATH" env-default:"data/rounds" env-description:"BadgerDB directory; empty runs in-memory"`
	GCInterval time.Duration `yaml:"GCInterval" env:"STORE_GC_INTERVAL" env-default:"15m" env-description:"Value log garbage collection interval"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"Enabled" env:"NATS_ENABLED" env-default:"true" env-description:"Serve the NATS submission transport"`
	Host    string `yaml:"Host" env:"NATS_HOST" env-default:"127.0.0.1" env-description:"NATS listen host"`
	Port    int    `yaml:"Port" env:"NATS_PORT" env-default:"4222" env-description:"NATS listen port; -1 picks a free port"`

	// Keys are hex-encoded ed25519 seeds (32 bytes) or full private keys
	// (64 bytes).
	ServerKey    string   `yaml:"ServerKey" env:"NATS_SERVER_KEY" env-description:"Server TLS identity key, hex"`
	ResponderKey string   `yaml:"ResponderKey" env:"NATS_RESPONDER_KEY" env-description:"Responder client identity key, hex"`

	ClientPubKeys []string `yaml:"ClientPubKeys" env:"NATS_CLIENT_PUBKEYS" env-separator:"," env-description:"Authorized client ed25519 public keys, hex"`
}

type APIConfig struct {
	Addr       string `yaml:"Addr" env:"API_ADDR" env-default:"127.0.0.1:6688" env-description:"HTTP API listen address"`
	AdminToken string `yaml:"AdminToken" env:"API_ADMIN_TOKEN" env-description:"Bearer token guarding /v1/admin; empty disables the admin surface"`
}

// Load reads the YAML file at path, overlays the environment, applies
// defaults and validates. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	var cfg Config
	var err error
	if path == "" {
		err = cleanenv.ReadEnv(&cfg)
	} else {
		err = cleanenv.ReadConfig(path, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Description renders the environment variable help text.
func Description() string {
	help, _ := cleanenv.GetDescription(&Config{}, nil)
	return help
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Oracle.Address(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Oracle.ReporterAddresses(); err != nil {
		errs = append(errs, err)
	}
	if c.Oracle.Quorum < 1 {
		errs = append(errs, fmt.Errorf("quorum must be at least 1, got %d", c.Oracle.Quorum))
	}
	if _, err := c.Oracle.MaxDeviationPPB(); err != nil {
		errs = append(errs, err)
	}
	if c.NATS.Enabled {
		if _, err := c.NATS.ServerPrivateKey(); err != nil {
			errs = append(errs, fmt.Errorf("NATS server key: %w", err))
		}
		if _, err := c.NATS.ResponderPrivateKey(); err != nil {
			errs = append(errs, fmt.Errorf("NATS responder key: %w", err))
		}
		if _, err := c.NATS.ClientPublicKeys(); err != nil {
			errs = append(errs, err)
		}
		if c.NATS.Port == 0 || c.NATS.Port < -1 {
			errs = append(errs, fmt.Errorf("invalid NATS port %d", c.NATS.Port))
		}
	}
	if c.API.Addr == "" {
		errs = append(errs, errors.New("API listen address must not be empty"))
	}
	return errors.Join(errs...)
}

func (c OracleConfig) Address() (common.Address, error) {
	if !common.IsHexAddress(c.OracleAddress) {
		return common.Address{}, fmt.Errorf("oracle address %q is not a hex address", c.OracleAddress)
	}
	return common.HexToAddress(c.OracleAddress), nil
}

func (c OracleConfig) ReporterAddresses() ([]common.Address, error) {
	addrs := make([]common.Address, len(c.Reporters))
	for i, r := range c.Reporters {
		if !common.IsHexAddress(r) {
			return nil, fmt.Errorf("reporter %q is not a hex address", r)
		}
		addrs[i] = common.HexToAddress(r)
	}
	return addrs, nil
}

// MaxDeviationPPB converts the configured decimal ratio to parts per
// billion. Ratios finer than 1 ppb are rejected rather than truncated.
func (c OracleConfig) MaxDeviationPPB() (uint64, error) {
	d, err := decimal.NewFromString(c.MaxDeviation)
	if err != nil {
		return 0, fmt.Errorf("invalid max deviation %q: %w", c.MaxDeviation, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("max deviation must not be negative, got %s", d)
	}
	ppb := d.Mul(ppbScale)
	if !ppb.IsInteger() {
		return 0, fmt.Errorf("max deviation %s is not expressible in whole parts per billion", d)
	}
	bi := ppb.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("max deviation %s overflows the ppb range", d)
	}
	return bi.Uint64(), nil
}

func (c NATSConfig) ServerPrivateKey() (ed25519.PrivateKey, error) {
	return parsePrivateKey(c.ServerKey)
}

func (c NATSConfig) ResponderPrivateKey() (ed25519.PrivateKey, error) {
	return parsePrivateKey(c.ResponderKey)
}

func (c NATSConfig) ClientPublicKeys() ([]ed25519.PublicKey, error) {
	pubs := make([]ed25519.PublicKey, len(c.ClientPubKeys))
	for i, s := range c.ClientPubKeys {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("client public key %q is not hex: %w", s, err)
		}
		if len(b) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("client public key %q has %d bytes, want %d", s, len(b), ed25519.PublicKeySize)
		}
		pubs[i] = ed25519.PublicKey(b)
	}
	return pubs, nil
}

func parsePrivateKey(s string) (ed25519.PrivateKey, error) {
	if s == "" {
		return nil, errors.New("missing key")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("key is not hex: %w", err)
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	default:
		return nil, fmt.Errorf("key has %d bytes, want %d (seed) or %d", len(b), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}
