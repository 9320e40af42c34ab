package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromReaderOverridesDefaults(t *testing.T) {
	cfg, err := FromReader(strings.NewReader(`
[Ledger]
Endpoint = "https://rpc.example.com"
ChainID = 8453
EventPollInterval = "2s"

[Contracts]
ServiceRegistry = "0x1000000000000000000000000000000000000001"
BlueprintID = 7

[Discovery]
StaticServiceIDs = [5, 9]

[Discovery.StaticVaults]
"5" = ["0x00000000000000000000000000000000000000a1"]
`))
	require.NoError(t, err)

	require.Equal(t, "https://rpc.example.com", cfg.Ledger.Endpoint)
	require.Equal(t, uint64(8453), cfg.Ledger.ChainID)
	require.Equal(t, Duration(2*time.Second), cfg.Ledger.EventPollInterval)
	// untouched fields keep their defaults
	require.Equal(t, Duration(4*time.Second), cfg.Ledger.ReceiptPollInterval)
	require.Equal(t, 200, cfg.Operator.ListLimit)
	require.Equal(t, "127.0.0.1:7733", cfg.API.ListenAddress)

	require.Equal(t, uint64(7), cfg.Contracts.BlueprintID)
	require.Equal(t, []uint64{5, 9}, cfg.Discovery.StaticServiceIDs)
	require.Equal(t, []string{"0x00000000000000000000000000000000000000a1"}, cfg.Discovery.StaticVaults["5"])
}

func TestFromReaderBadDuration(t *testing.T) {
	_, err := FromReader(strings.NewReader(`
[Ledger]
EventPollInterval = "not a duration"
`))
	require.Error(t, err)
}

func TestFromFileMissingReturnsDefaults(t *testing.T) {
	cfg, err := FromFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	require.Equal(t, DefaultFleetd(), cfg)
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	text, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1m30s", string(text))

	var back Duration
	require.NoError(t, back.UnmarshalText(text))
	require.Equal(t, d, back)
}
