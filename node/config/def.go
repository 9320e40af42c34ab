package config

import (
	"encoding"
	"time"
)

// FleetdConfig is the daemon configuration, loaded from TOML.
type FleetdConfig struct {
	Ledger    LedgerConfig
	Operator  OperatorConfig
	Contracts ContractsConfig
	Discovery DiscoveryConfig
	Provision ProvisionConfig
	API       APIConfig
}

type LedgerConfig struct {
	// Endpoint is the JSON-RPC URL of the ledger node.
	Endpoint string
	ChainID  uint64

	ReceiptPollInterval Duration
	EventPollInterval   Duration
}

type OperatorConfig struct {
	BaseURL   string
	AuthToken string
	ListLimit int
}

type ContractsConfig struct {
	// ServiceRegistry is required; VaultRegistry and VaultFactory are
	// optional and an empty string means not deployed on this chain.
	ServiceRegistry string
	VaultRegistry   string
	VaultFactory    string
	BlueprintID     uint64
}

type DiscoveryConfig struct {
	Interval Duration

	// StaticServiceIDs is the fallback service list used when no
	// activation events are found.
	StaticServiceIDs []uint64

	// StaticVaults maps a service ID (decimal string, TOML limitation)
	// to its environment-configured vault addresses.
	StaticVaults map[string][]string
}

type ProvisionConfig struct {
	PollInterval   Duration
	PollFailureCap int
	StaleThreshold Duration
}

type APIConfig struct {
	ListenAddress string
}

func DefaultFleetd() *FleetdConfig {
	return &FleetdConfig{
		Ledger: LedgerConfig{
			Endpoint:            "http://127.0.0.1:8545",
			ChainID:             1,
			ReceiptPollInterval: Duration(4 * time.Second),
			EventPollInterval:   Duration(6 * time.Second),
		},
		Operator: OperatorConfig{
			ListLimit: 200,
		},
		Discovery: DiscoveryConfig{
			Interval: Duration(30 * time.Second),
		},
		Provision: ProvisionConfig{
			PollInterval:   Duration(10 * time.Second),
			PollFailureCap: 10,
			StaleThreshold: Duration(10 * time.Minute),
		},
		API: APIConfig{
			ListenAddress: "127.0.0.1:7733",
		},
	}
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration for decoding and
// encoding from/to TOML.
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}
