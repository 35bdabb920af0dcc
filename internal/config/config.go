// Package config loads agent process configuration from an optional
// config file, the IMA_* environment namespace, and CLI flags.
package config

import (
	"fmt"
	"math/big"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/streaming-dev/ima-agent/internal/coreutil/errs"
)

// APIConfig names an RPC endpoint.
type APIConfig struct {
	BaseURL string `mapstructure:"base-url"`
}

// NodeEndpointConfig is one entry of an S-chain's node roster.
type NodeEndpointConfig struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// ChainConfig describes one chain the agent talks to.
type ChainConfig struct {
	Name        string               `mapstructure:"name"`
	ChainID     int64                `mapstructure:"chain-id"`
	RPCEndpoint APIConfig            `mapstructure:"rpc-endpoint"`
	NodeRoster  []NodeEndpointConfig `mapstructure:"node-roster"`
}

// BigChainID returns the chain ID as a *big.Int for ABI/RPC call sites
// that expect one.
func (c ChainConfig) BigChainID() *big.Int {
	return big.NewInt(c.ChainID)
}

// SignerConfig selects exactly one of the three recognized signer
// backends: Local, HSM, or Queue.
type SignerConfig struct {
	Local *LocalSignerConfig `mapstructure:"local"`
	HSM   *HSMSignerConfig   `mapstructure:"hsm"`
	Queue *QueueSignerConfig `mapstructure:"queue"`

	// SameKeyAcrossSiblings records whether the same signing key is used
	// on every sibling chain. Defaults to true. It is loaded but no package
	// in this module reads it; the one selected backend signs for every
	// chain.
	SameKeyAcrossSiblings bool `mapstructure:"same-key-across-siblings"`
}

type LocalSignerConfig struct {
	PrivateKey string `mapstructure:"private-key"`
}

type HSMSignerConfig struct {
	URL     string `mapstructure:"url"`
	KeyName string `mapstructure:"key-name"`
	TLSKey  string `mapstructure:"tls-key"`
	TLSCert string `mapstructure:"tls-cert"`
}

type QueueSignerConfig struct {
	URL      string `mapstructure:"url"`
	Priority int    `mapstructure:"priority"`
}

// PriorityOrDefault returns the configured queue priority, or 5 when
// unset. The default is applied here rather than via viper so an
// unconfigured queue backend stays nil.
func (q QueueSignerConfig) PriorityOrDefault() int {
	if q.Priority <= 0 {
		return 5
	}
	return q.Priority
}

// DirectionOptions are the per-direction runtime knobs.
type DirectionOptions struct {
	TransactionsPerBlock                   int     `mapstructure:"transactions-per-block"`
	TransferSteps                          int     `mapstructure:"transfer-steps"`
	MaxTransactionsCount                   int     `mapstructure:"max-transactions-count"`
	BlockAwaitDepth                        uint64  `mapstructure:"block-await-depth"`
	BlockAge                               uint64  `mapstructure:"block-age"`
	SleepBetweenTxOnSChainMs               int     `mapstructure:"sleep-between-tx-on-schain-ms"`
	WaitForNextBlockOnSChain               bool    `mapstructure:"wait-for-next-block-on-schain"`
	ProgressiveEventsScan                  bool    `mapstructure:"progressive-events-scan"`
	CountOfBlocksInIterativeStep           uint64  `mapstructure:"count-of-blocks-in-iterative-step"`
	MaxIterationsInAllRange                uint64  `mapstructure:"max-iterations-in-all-range"`
	SleepBeforeFetchOutgoingMessageEventMs int     `mapstructure:"sleep-before-fetch-outgoing-message-event-ms"`
	PriceMultiplier                        float64 `mapstructure:"price-multiplier"`
	GasMultiplier                          float64 `mapstructure:"gas-multiplier"`
	MaxGasPrice                            string  `mapstructure:"max-gas-price"`
}

// MaxGasPriceWei parses MaxGasPrice, defaulting to the 2e11 wei ceiling
// on a malformed or empty value.
func (d DirectionOptions) MaxGasPriceWei() *big.Int {
	if d.MaxGasPrice == "" {
		return big.NewInt(2e11)
	}
	v, ok := new(big.Int).SetString(d.MaxGasPrice, 10)
	if !ok {
		return big.NewInt(2e11)
	}
	return v
}

// S2SPairConfig names one configured S-chain-to-S-chain transfer
// direction.
type S2SPairConfig struct {
	SourceChain string `mapstructure:"source-chain"`
	DestChain   string `mapstructure:"dest-chain"`
}

// Config is the full process configuration.
type Config struct {
	LogLevel    string           `mapstructure:"log-level"`
	MetricsPort int              `mapstructure:"metrics-port"`
	APIPort     int              `mapstructure:"api-port"`
	Mainnet     ChainConfig      `mapstructure:"mainnet"`
	SChains     []ChainConfig    `mapstructure:"schains"`
	S2SPairs    []S2SPairConfig  `mapstructure:"s2s-pairs"`
	Signer      SignerConfig     `mapstructure:"signer"`
	Direction   DirectionOptions `mapstructure:"direction"`
	TestMode    bool             `mapstructure:"test-mode"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log-level", "info")
	v.SetDefault("metrics-port", 9090)
	v.SetDefault("api-port", 8080)
	v.SetDefault("signer.same-key-across-siblings", true)

	v.SetDefault("direction.transactions-per-block", 5)
	v.SetDefault("direction.transfer-steps", 0)
	v.SetDefault("direction.max-transactions-count", 0)
	v.SetDefault("direction.block-await-depth", 0)
	v.SetDefault("direction.block-age", 0)
	v.SetDefault("direction.sleep-between-tx-on-schain-ms", 0)
	v.SetDefault("direction.wait-for-next-block-on-schain", false)
	v.SetDefault("direction.progressive-events-scan", true)
	v.SetDefault("direction.count-of-blocks-in-iterative-step", 1000)
	v.SetDefault("direction.max-iterations-in-all-range", 5000)
	v.SetDefault("direction.sleep-before-fetch-outgoing-message-event-ms", 5000)
	// 0 keeps each destination chain's own default price multiplier.
	v.SetDefault("direction.price-multiplier", 0)
	v.SetDefault("direction.gas-multiplier", 1.0)
	v.SetDefault("direction.max-gas-price", "200000000000")
}

// Load reads configuration from an optional file (--config-file), the
// IMA_* environment namespace, and CLI flags.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("IMA")
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
		if cfgFile, err := flags.GetString("config-file"); err == nil && cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file %q: %w", cfgFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the fatal-startup invariants: a missing endpoint or
// a misconfigured signer backend is a startup error, the only kind that
// terminates the process.
func (c *Config) Validate() error {
	if c.Mainnet.RPCEndpoint.BaseURL == "" {
		return fmt.Errorf("%w: mainnet rpc endpoint is required", errs.ErrMissingEndpoint)
	}
	for _, sc := range c.SChains {
		if sc.RPCEndpoint.BaseURL == "" {
			return fmt.Errorf("%w: schain %q", errs.ErrMissingEndpoint, sc.Name)
		}
	}
	n := 0
	if c.Signer.Local != nil {
		n++
	}
	if c.Signer.HSM != nil {
		n++
	}
	if c.Signer.Queue != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("%w: exactly one signer backend (local/hsm/queue) must be configured, got %d", errs.ErrInvalidSignerCfg, n)
	}
	return nil
}
