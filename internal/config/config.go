package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"aedzpay/internal/escrow"
	"aedzpay/internal/retry"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate; the message names every offending field.
var ErrInvalid = errors.New("invalid configuration")

// Chain ids the daemon can sign on.
const (
	ChainEthereum  uint64 = 1
	ChainOptimism  uint64 = 10
	ChainBSC       uint64 = 56
	ChainPolygon   uint64 = 137
	ChainBase      uint64 = 8453
	ChainArbitrum  uint64 = 42161
	ChainAvalanche uint64 = 43114
)

// Config is the fully resolved process configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Chain       ChainConfig       `yaml:"chain"`
	Escrow      EscrowConfig      `yaml:"escrow"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Backend     BackendConfig     `yaml:"backend"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	// DeploymentsPath points at the contract address file written by the
	// deploy scripts. Addresses found there fill empty escrow fields.
	DeploymentsPath string `yaml:"deploymentsPath"`
}

type ServerConfig struct {
	HTTPPort      int           `yaml:"httpPort"`
	HMACSecret    string        `yaml:"hmacSecret"`
	HMACClockSkew time.Duration `yaml:"hmacClockSkew"`
	DLQPath       string        `yaml:"dlqPath"`
	LogLevel      string        `yaml:"logLevel"`
	ShutdownGrace time.Duration `yaml:"shutdownGrace"`
}

type ChainConfig struct {
	// ChainID of the escrow deployment.
	ChainID          uint64 `yaml:"chainId"`
	Network          string `yaml:"network"`
	SignerPrivateKey string `yaml:"signerPrivateKey"`
	BaseRPCURL       string `yaml:"baseRpcUrl"`
	EthereumRPCURL   string `yaml:"ethereumRpcUrl"`
	PolygonRPCURL    string `yaml:"polygonRpcUrl"`
	BSCRPCURL        string `yaml:"bscRpcUrl"`
	AvalancheRPCURL  string `yaml:"avalancheRpcUrl"`
	ArbitrumRPCURL   string `yaml:"arbitrumRpcUrl"`
	OptimismRPCURL   string `yaml:"optimismRpcUrl"`
}

type EscrowConfig struct {
	Address                   string        `yaml:"address"`
	USDCAddress               string        `yaml:"usdcAddress"`
	DepositTimelock           time.Duration `yaml:"depositTimelock"`
	ReleasePercentagePerSpend int64         `yaml:"releasePercentagePerSpend"`
	WithdrawalPolicy          string        `yaml:"withdrawalPolicy"`
}

type BridgeConfig struct {
	RelayURL     string        `yaml:"relayUrl"`
	APIKey       string        `yaml:"apiKey"`
	Timeout      time.Duration `yaml:"timeout"`
	PollAttempts int           `yaml:"pollAttempts"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

type BackendConfig struct {
	APIURL   string `yaml:"apiUrl"`
	WSURL    string `yaml:"wsUrl"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

type IdempotencyConfig struct {
	Window      time.Duration `yaml:"window"`
	FilePath    string        `yaml:"filePath"`
	PostgresDSN string        `yaml:"postgresDsn"`
	RedisURL    string        `yaml:"redisUrl"`
}

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   uint64 `json:"chainId"`
	Deployer  string `json:"deployer"`
	Contracts struct {
		AEDZEscrow string `json:"AEDZEscrow"`
		USDC       string `json:"USDC"`
	} `json:"contracts"`
}

// Default returns the configuration used before any file or environment
// variable is applied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPPort:      3000,
			HMACClockSkew: time.Minute,
			LogLevel:      "info",
			ShutdownGrace: 15 * time.Second,
		},
		Chain: ChainConfig{
			ChainID: ChainBase,
			Network: "Base",
		},
		Escrow: EscrowConfig{
			DepositTimelock:           24 * time.Hour,
			ReleasePercentagePerSpend: 10,
			WithdrawalPolicy:          string(escrow.PolicyReject),
		},
		Bridge: BridgeConfig{
			RelayURL:     "https://api.relay.link",
			Timeout:      30 * time.Second,
			PollAttempts: 60,
			PollInterval: time.Second,
		},
		Idempotency: IdempotencyConfig{
			Window:   24 * time.Hour,
			FilePath: filepath.Join(os.TempDir(), "aedzpay-idem.json"),
		},
	}
}

// Load resolves defaults, then the YAML file at path (skipped when empty),
// then the deployments file, then environment variables, and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg.DeploymentsPath = envOr("DEPLOYMENTS_PATH", cfg.DeploymentsPath)
	if cfg.DeploymentsPath != "" {
		dep, err := loadDeployments(cfg.DeploymentsPath)
		if err != nil {
			return nil, fmt.Errorf("load deployments: %w", err)
		}
		cfg.applyDeployment(dep)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, cfg)
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDeployment(dep *DeploymentConfig) {
	if c.Escrow.Address == "" {
		c.Escrow.Address = dep.Contracts.AEDZEscrow
	}
	if c.Escrow.USDCAddress == "" {
		c.Escrow.USDCAddress = dep.Contracts.USDC
	}
	if dep.ChainID != 0 {
		c.Chain.ChainID = dep.ChainID
	}
}

func (c *Config) applyEnv() {
	c.Server.HTTPPort = envOrInt("API_HTTP_PORT", c.Server.HTTPPort)
	c.Server.HMACSecret = envOr("HMAC_SECRET", c.Server.HMACSecret)
	if secs := envOrInt("HMAC_CLOCK_SKEW_SECONDS", 0); secs > 0 {
		c.Server.HMACClockSkew = time.Duration(secs) * time.Second
	}
	c.Server.DLQPath = envOr("DLQ_PATH", c.Server.DLQPath)
	c.Server.LogLevel = envOr("LOG_LEVEL", c.Server.LogLevel)

	c.Chain.SignerPrivateKey = envOr("SIGNER_PRIVATE_KEY", c.Chain.SignerPrivateKey)
	c.Chain.BaseRPCURL = envOr("BASE_RPC_URL", c.Chain.BaseRPCURL)
	c.Chain.EthereumRPCURL = envOr("ETHEREUM_RPC_URL", c.Chain.EthereumRPCURL)
	c.Chain.PolygonRPCURL = envOr("POLYGON_RPC_URL", c.Chain.PolygonRPCURL)
	c.Chain.BSCRPCURL = envOr("BSC_RPC_URL", c.Chain.BSCRPCURL)
	c.Chain.AvalancheRPCURL = envOr("AVALANCHE_RPC_URL", c.Chain.AvalancheRPCURL)
	c.Chain.ArbitrumRPCURL = envOr("ARBITRUM_RPC_URL", c.Chain.ArbitrumRPCURL)
	c.Chain.OptimismRPCURL = envOr("OPTIMISM_RPC_URL", c.Chain.OptimismRPCURL)

	c.Escrow.Address = envOr("ESCROW_ADDRESS", c.Escrow.Address)
	c.Escrow.USDCAddress = envOr("USDC_ADDRESS", c.Escrow.USDCAddress)
	c.Escrow.WithdrawalPolicy = envOr("WITHDRAWAL_POLICY", c.Escrow.WithdrawalPolicy)

	c.Bridge.RelayURL = envOr("RELAY_API_URL", c.Bridge.RelayURL)
	c.Bridge.APIKey = envOr("RELAY_API_KEY", c.Bridge.APIKey)

	c.Backend.APIURL = envOr("BACKEND_API_URL", c.Backend.APIURL)
	c.Backend.WSURL = envOr("BACKEND_WS_URL", c.Backend.WSURL)
	c.Backend.Email = envOr("BACKEND_EMAIL", c.Backend.Email)
	c.Backend.Password = envOr("BACKEND_PASSWORD", c.Backend.Password)

	c.Idempotency.FilePath = envOr("IDEMPOTENCY_STORE_PATH", c.Idempotency.FilePath)
	c.Idempotency.PostgresDSN = envOr("POSTGRES_DSN", c.Idempotency.PostgresDSN)
	c.Idempotency.RedisURL = envOr("REDIS_URL", c.Idempotency.RedisURL)
}

// Validate reports every missing or malformed field in a single error.
func (c *Config) Validate() error {
	var missing, invalid []string

	required := []struct {
		name  string
		value string
	}{
		{"chain.signerPrivateKey (SIGNER_PRIVATE_KEY)", c.Chain.SignerPrivateKey},
		{"chain.baseRpcUrl (BASE_RPC_URL)", c.Chain.BaseRPCURL},
		{"escrow.address (ESCROW_ADDRESS)", c.Escrow.Address},
		{"escrow.usdcAddress (USDC_ADDRESS)", c.Escrow.USDCAddress},
		{"bridge.relayUrl (RELAY_API_URL)", c.Bridge.RelayURL},
		{"server.hmacSecret (HMAC_SECRET)", c.Server.HMACSecret},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.name)
		}
	}

	if c.Escrow.Address != "" && !common.IsHexAddress(c.Escrow.Address) {
		invalid = append(invalid, "escrow.address is not an address")
	}
	if c.Escrow.USDCAddress != "" && !common.IsHexAddress(c.Escrow.USDCAddress) {
		invalid = append(invalid, "escrow.usdcAddress is not an address")
	}
	if _, err := escrow.ParsePendingPolicy(c.Escrow.WithdrawalPolicy); err != nil {
		invalid = append(invalid, err.Error())
	}
	if c.Escrow.ReleasePercentagePerSpend < 0 || c.Escrow.ReleasePercentagePerSpend > 100 {
		invalid = append(invalid, "escrow.releasePercentagePerSpend must be within 0-100")
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		invalid = append(invalid, "server.httpPort out of range")
	}
	if c.Bridge.PollAttempts <= 0 {
		invalid = append(invalid, "bridge.pollAttempts must be positive")
	}
	if c.Backend.WSURL != "" && c.Backend.APIURL == "" {
		invalid = append(invalid, "backend.wsUrl requires backend.apiUrl")
	}

	if len(missing) == 0 && len(invalid) == 0 {
		return nil
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing "+strings.Join(missing, ", "))
	}
	parts = append(parts, invalid...)
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(parts, "; "))
}

// RPCURLs maps chain id to RPC endpoint for every configured chain.
func (c *Config) RPCURLs() map[uint64]string {
	out := make(map[uint64]string)
	for id, url := range map[uint64]string{
		ChainBase:      c.Chain.BaseRPCURL,
		ChainEthereum:  c.Chain.EthereumRPCURL,
		ChainPolygon:   c.Chain.PolygonRPCURL,
		ChainBSC:       c.Chain.BSCRPCURL,
		ChainAvalanche: c.Chain.AvalancheRPCURL,
		ChainArbitrum:  c.Chain.ArbitrumRPCURL,
		ChainOptimism:  c.Chain.OptimismRPCURL,
	} {
		if url != "" {
			out[id] = url
		}
	}
	if c.Chain.ChainID != ChainBase && c.Chain.BaseRPCURL != "" {
		// escrow deployed on a Base testnet shares the Base endpoint setting
		out[c.Chain.ChainID] = c.Chain.BaseRPCURL
	}
	return out
}

// EscrowRPCURL is the endpoint of the chain the escrow lives on.
func (c *Config) EscrowRPCURL() string {
	return c.RPCURLs()[c.Chain.ChainID]
}

func (c *Config) PendingPolicy() escrow.PendingPolicy {
	p, _ := escrow.ParsePendingPolicy(c.Escrow.WithdrawalPolicy)
	return p
}

func (c *Config) ReleasePercentage() *big.Int {
	return big.NewInt(c.Escrow.ReleasePercentagePerSpend)
}

func (c *Config) PollPolicy() retry.Policy {
	return retry.Fixed(c.Bridge.PollAttempts, c.Bridge.PollInterval)
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}
