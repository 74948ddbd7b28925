package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "LUMINO"

// ContractNames is the full set of deployed contracts the client talks to.
var ContractNames = []string{
	"LuminoToken",
	"AccessManager",
	"WhitelistManager",
	"NodeManager",
	"IncentiveManager",
	"NodeEscrow",
	"LeaderManager",
	"JobManager",
	"EpochManager",
	"JobEscrow",
}

// Config carries everything both roles need to reach the ledger, plus the
// node-role execution settings. Values come from (in order of precedence)
// environment variables, a .env file, and defaults.
type Config struct {
	RPCURL        string
	PrivateKey    string
	DataDir       string
	AddressesFile string
	ABIDir        string

	// Contract addresses, keyed by contract name. Loaded from AddressesFile
	// and overridable per-contract via LUMINO_<NAME>_ADDRESS.
	Addresses map[string]common.Address

	// Node role.
	ComputeRating  uint64
	PipelineDir    string
	MaxJobDuration time.Duration

	// Escrow top-up policy, in whole tokens.
	EscrowLowWaterTokens uint64
	EscrowTopUpTokens    uint64

	// Poll cadences.
	EpochPollInterval   time.Duration
	JobPollInterval     time.Duration
	EscrowPollInterval  time.Duration
	ReceiptPollInterval time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc_url", "http://localhost:8545")
	v.SetDefault("data_dir", filepath.Join(".", "cache", "lumino"))
	v.SetDefault("compute_rating", 10)
	v.SetDefault("max_job_duration", "4h")
	v.SetDefault("escrow_low_water_tokens", 50)
	v.SetDefault("escrow_top_up_tokens", 100)
	v.SetDefault("epoch_poll_interval", "2s")
	v.SetDefault("job_poll_interval", "5s")
	v.SetDefault("escrow_poll_interval", "30s")
	v.SetDefault("receipt_poll_interval", "1s")
}

// Load reads configuration from the environment (and a .env file when one
// exists) and validates it. A failed validation is fatal for the process:
// the caller is expected to abort startup with the returned error.
func Load() (*Config, error) {
	// A missing .env file is fine; explicit env vars still apply.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		RPCURL:               v.GetString("rpc_url"),
		PrivateKey:           strings.TrimPrefix(v.GetString("private_key"), "0x"),
		DataDir:              v.GetString("data_dir"),
		AddressesFile:        v.GetString("addresses_file"),
		ABIDir:               v.GetString("abi_dir"),
		ComputeRating:        v.GetUint64("compute_rating"),
		PipelineDir:          v.GetString("pipeline_dir"),
		MaxJobDuration:       v.GetDuration("max_job_duration"),
		EscrowLowWaterTokens: v.GetUint64("escrow_low_water_tokens"),
		EscrowTopUpTokens:    v.GetUint64("escrow_top_up_tokens"),
		EpochPollInterval:    v.GetDuration("epoch_poll_interval"),
		JobPollInterval:      v.GetDuration("job_poll_interval"),
		EscrowPollInterval:   v.GetDuration("escrow_poll_interval"),
		ReceiptPollInterval:  v.GetDuration("receipt_poll_interval"),
	}

	addresses, err := loadAddresses(v, cfg.AddressesFile)
	if err != nil {
		return nil, err
	}
	cfg.Addresses = addresses

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadAddresses reads the persisted address map and applies per-contract
// env overrides of the form LUMINO_NODE_MANAGER_ADDRESS.
func loadAddresses(v *viper.Viper, path string) (map[string]common.Address, error) {
	raw := make(map[string]string)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading address map %s: %w", path, err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("malformed address map %s: %w", path, err)
		}
	}

	for _, name := range ContractNames {
		key := envKeyForContract(name)
		if override := v.GetString(key); override != "" {
			raw[name] = override
		}
	}

	addresses := make(map[string]common.Address, len(raw))
	for name, hex := range raw {
		if !common.IsHexAddress(hex) {
			return nil, fmt.Errorf("address map entry %s is not a valid address: %q", name, hex)
		}
		addresses[name] = common.HexToAddress(hex)
	}
	return addresses, nil
}

// envKeyForContract turns e.g. "NodeManager" into "node_manager_address".
func envKeyForContract(name string) string {
	var b strings.Builder
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String()) + "_address"
}

// Validate checks the fatal startup preconditions: credentials, contract
// addresses and poll cadences must all be present and sane.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.PrivateKey == "" {
		result = multierror.Append(result, fmt.Errorf("missing signing key: set %s_PRIVATE_KEY", envPrefix))
	}
	if c.RPCURL == "" {
		result = multierror.Append(result, fmt.Errorf("missing RPC endpoint: set %s_RPC_URL", envPrefix))
	}
	for _, name := range ContractNames {
		if _, ok := c.Addresses[name]; !ok {
			result = multierror.Append(result, fmt.Errorf("missing address for contract %s", name))
		}
	}
	if c.EpochPollInterval <= 0 || c.JobPollInterval <= 0 || c.EscrowPollInterval <= 0 || c.ReceiptPollInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("poll intervals must be positive"))
	}
	if c.MaxJobDuration <= 0 {
		result = multierror.Append(result, fmt.Errorf("max job duration must be positive"))
	}
	return result.ErrorOrNil()
}

// EnsureDataDir creates the per-install directory holding signing
// credentials, job handles and cached nonce state.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o755)
}
