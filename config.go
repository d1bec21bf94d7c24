package smartaccount

import (
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config holds the protocol parameters an account is deployed with.
type Config struct {
	ChainID    uint64 `toml:"chain_id"    validate:"required"`
	EntryPoint string `toml:"entry_point" validate:"required,eth_addr"`
	Bootloader string `toml:"bootloader"  validate:"omitempty,eth_addr"`

	// StrictPrefund makes a failed prefund transfer to the EntryPoint fatal.
	// It is off by default: the transfer result is ignored and only logged.
	StrictPrefund bool `toml:"strict_prefund"`

	LogLevel string `toml:"log_level" validate:"omitempty,oneof=trace debug info warn error crit"`
	Listen   string `toml:"listen"    validate:"omitempty,hostname_port"`
}

// DefaultEntryPoint is the canonical ERC-4337 v0.6 EntryPoint deployment.
const DefaultEntryPoint = "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"

// DefaultConfig returns a Config for a local development chain.
func DefaultConfig() *Config {
	return &Config{
		ChainID:    1337,
		EntryPoint: DefaultEntryPoint,
		Bootloader: BootloaderAddress.Hex(),
		LogLevel:   "info",
		Listen:     "127.0.0.1:8545",
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags of c.
func (c *Config) Validate() error {
	v := validator.New()
	if err := RegisterValidations(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) ChainIDBig() *big.Int {
	return new(big.Int).SetUint64(c.ChainID)
}

func (c *Config) EntryPointAddress() common.Address {
	return common.HexToAddress(c.EntryPoint)
}

// BootloaderAddress falls back to the system Bootloader address.
func (c *Config) BootloaderAddress() common.Address {
	if c.Bootloader == "" {
		return BootloaderAddress
	}
	return common.HexToAddress(c.Bootloader)
}

// LogLvl parses LogLevel, defaulting to info.
func (c *Config) LogLvl() log.Lvl {
	if c.LogLevel == "" {
		return log.LvlInfo
	}
	lvl, err := log.LvlFromString(c.LogLevel)
	if err != nil {
		return log.LvlInfo
	}
	return lvl
}

// Custom validation for Ethereum address using go-playground validator.
func validEthAddress(fl validator.FieldLevel) bool {
	return common.IsHexAddress(fl.Field().String())
}

// RegisterValidations installs the custom rules used in struct tags of this
// module on v.
func RegisterValidations(v *validator.Validate) error {
	if err := v.RegisterValidation("eth_addr", validEthAddress); err != nil {
		return fmt.Errorf("failed to register validator for eth_addr: %w", err)
	}
	return nil
}

// Option customizes an account at construction.
type Option func(*options)

type options struct {
	logger           log.Logger
	recoverer        SignerRecoverer
	strictPrefund    *bool
	onPrefundFailure func(amount *big.Int, err error)
}

// WithLogger replaces the default account logger.
func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSignerRecoverer replaces RecoverSigner.
func WithSignerRecoverer(fn SignerRecoverer) Option {
	return func(o *options) { o.recoverer = fn }
}

// WithStrictPrefund overrides Config.StrictPrefund.
func WithStrictPrefund(strict bool) Option {
	return func(o *options) { o.strictPrefund = &strict }
}

// WithPrefundFailureHook registers fn to observe prefund transfers to the
// EntryPoint that failed.
func WithPrefundFailureHook(fn func(amount *big.Int, err error)) Option {
	return func(o *options) { o.onPrefundFailure = fn }
}
