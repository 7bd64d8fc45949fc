package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

const (
	envPrefix                  = "QAROOM"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultLogLevel            = "info"
	defaultLedgerMode          = LedgerModeDevnet
	defaultContractAddress     = "0x462057041505219a9f4b2F4dAC794023b2a4205a"
	defaultPollInterval        = 2 * time.Second
	defaultRoomCreatedLogIndex = 2
	defaultDevnetDatabasePath  = "qaroom-devnet.db"
	defaultFeePerCall          = 1
	defaultSessionIssuer       = "qaroom-gateway"
	defaultSessionAudience     = "qaroom-client"
	defaultSessionCookieName   = "app_session"
	defaultSessionTTLMinutes   = 60
)

const (
	LedgerModeDevnet = "devnet"
	LedgerModeRPC    = "rpc"
)

// AppConfig captures runtime configuration for the gateway.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string
	// AllowedOrigins may send credentialed cross-origin requests. Empty
	// allows any origin without credentials.
	AllowedOrigins []string

	LedgerMode          string
	RPCURL              string
	ChainID             int64
	ContractAddress     common.Address
	PaymasterAddress    common.Address
	PrivateKey          string
	PollInterval        time.Duration
	RoomCreatedLogIndex int

	DevnetDatabasePath string
	DevnetFeePerCall   uint64

	SessionSigningSecret     string
	SessionIssuer            string
	SessionAudience          string
	SessionCookieName        string
	SessionTTL               time.Duration
	SessionFeeLimit          uint64
	SessionInvalidSignatures []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("ledger.mode", defaultLedgerMode)
	configViper.SetDefault("ledger.contract_address", defaultContractAddress)
	configViper.SetDefault("ledger.poll_interval", defaultPollInterval)
	configViper.SetDefault("ledger.room_created_log_index", defaultRoomCreatedLogIndex)
	configViper.SetDefault("devnet.database_path", defaultDevnetDatabasePath)
	configViper.SetDefault("devnet.fee_per_call", defaultFeePerCall)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.audience", defaultSessionAudience)
	configViper.SetDefault("session.cookie_name", defaultSessionCookieName)
	configViper.SetDefault("session.ttl_minutes", defaultSessionTTLMinutes)
	configViper.SetDefault("session.fee_limit", 0)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:              configViper.GetString("http.address"),
		LogLevel:                 configViper.GetString("log.level"),
		AllowedOrigins:           normalizeOrigins(configViper.GetStringSlice("http.allowed_origins")),
		LedgerMode:               strings.ToLower(strings.TrimSpace(configViper.GetString("ledger.mode"))),
		RPCURL:                   strings.TrimSpace(configViper.GetString("ledger.rpc_url")),
		ChainID:                  configViper.GetInt64("ledger.chain_id"),
		PrivateKey:               strings.TrimSpace(configViper.GetString("ledger.private_key")),
		PollInterval:             configViper.GetDuration("ledger.poll_interval"),
		RoomCreatedLogIndex:      configViper.GetInt("ledger.room_created_log_index"),
		DevnetDatabasePath:       configViper.GetString("devnet.database_path"),
		DevnetFeePerCall:         configViper.GetUint64("devnet.fee_per_call"),
		SessionSigningSecret:     configViper.GetString("session.signing_secret"),
		SessionIssuer:            configViper.GetString("session.issuer"),
		SessionAudience:          configViper.GetString("session.audience"),
		SessionCookieName:        configViper.GetString("session.cookie_name"),
		SessionTTL:               time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
		SessionFeeLimit:          configViper.GetUint64("session.fee_limit"),
		SessionInvalidSignatures: configViper.GetStringSlice("session.invalid_signatures"),
	}

	contract, err := parseAddress("ledger.contract_address", configViper.GetString("ledger.contract_address"), true)
	if err != nil {
		return AppConfig{}, err
	}
	cfg.ContractAddress = contract
	paymaster, err := parseAddress("ledger.paymaster_address", configViper.GetString("ledger.paymaster_address"), false)
	if err != nil {
		return AppConfig{}, err
	}
	cfg.PaymasterAddress = paymaster

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func normalizeOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			origin = strings.TrimRight(strings.TrimSpace(origin), "/")
			if origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	return origins
}

func parseAddress(key, value string, required bool) (common.Address, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		if required {
			return common.Address{}, fmt.Errorf("%s is required", key)
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s must be a hex address", key)
	}
	return common.HexToAddress(value), nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl_minutes must be positive")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	for _, origin := range c.AllowedOrigins {
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("http.allowed_origins entries must be http or https origins, got %q", origin)
		}
	}
	switch c.LedgerMode {
	case LedgerModeDevnet:
		if strings.TrimSpace(c.DevnetDatabasePath) == "" {
			return fmt.Errorf("devnet.database_path is required")
		}
	case LedgerModeRPC:
		if c.RPCURL == "" {
			return fmt.Errorf("ledger.rpc_url is required in rpc mode")
		}
		if c.PrivateKey == "" {
			return fmt.Errorf("ledger.private_key is required in rpc mode")
		}
	default:
		return fmt.Errorf("ledger.mode must be %q or %q, got %q", LedgerModeDevnet, LedgerModeRPC, c.LedgerMode)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("ledger.poll_interval must be positive")
	}
	return nil
}
