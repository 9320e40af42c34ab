package provision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradefleet/fleetd/chain/ethtypes"
)

func TestPhaseMonotonicity(t *testing.T) {
	order := []Phase{PendingConfirmation, JobSubmitted, JobProcessing, AwaitingSecrets, Active}

	for i, from := range order {
		for j, to := range order {
			require.Equal(t, j >= i, from.CanAdvanceTo(to), "%s -> %s", from, to)
		}
	}
}

func TestPhaseFailedReachability(t *testing.T) {
	for _, p := range []Phase{PendingConfirmation, JobSubmitted, JobProcessing, AwaitingSecrets} {
		require.True(t, p.CanAdvanceTo(Failed), "%s -> failed", p)
	}
	// terminal phases stay put
	require.False(t, Active.CanAdvanceTo(Failed))
	require.False(t, Failed.CanAdvanceTo(Active))
	require.False(t, Failed.CanAdvanceTo(PendingConfirmation))
	require.True(t, Failed.CanAdvanceTo(Failed))
}

func TestPhaseUnknown(t *testing.T) {
	require.False(t, Phase("bogus").CanAdvanceTo(Active))
	require.False(t, JobSubmitted.CanAdvanceTo(Phase("bogus")))
}

func TestEventEligible(t *testing.T) {
	call := uint64(7)
	require.True(t, (&Provision{Phase: JobSubmitted, CallID: &call}).EventEligible())
	require.False(t, (&Provision{Phase: JobSubmitted}).EventEligible())
	require.False(t, (&Provision{Phase: Active, CallID: &call}).EventEligible())
	require.False(t, (&Provision{Phase: Failed, CallID: &call}).EventEligible())
}

func TestVaultMissing(t *testing.T) {
	require.True(t, (&Provision{}).VaultMissing())
	require.True(t, (&Provision{VaultAddress: PlaceholderVault}).VaultMissing())
	require.False(t, (&Provision{
		VaultAddress: ethtypes.MustParseAddress("0x0000000000000000000000000000000000000001"),
	}).VaultMissing())
}

func TestStale(t *testing.T) {
	now := time.Now()
	p := &Provision{Phase: JobSubmitted, UpdatedAt: now.Add(-15 * time.Minute)}
	require.True(t, p.Stale(now, 10*time.Minute))
	require.False(t, p.Stale(now, 20*time.Minute))

	// only job_submitted can be stale
	p.Phase = JobProcessing
	require.False(t, p.Stale(now, 10*time.Minute))
}
