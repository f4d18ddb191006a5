package client

import (
	"testing"

	"github.com/ValentinKolb/dNomad/lib/nomad"
	"github.com/stretchr/testify/require"
)

// stuck marks a server as prepared without a prepared change
func stuck(r *nomad.DiscoverResponse) *nomad.DiscoverResponse {
	r.Mode = nomad.ModePrepared
	return r
}

func TestConsistencyAnalyzerGlobalState(t *testing.T) {
	tests := []struct {
		name     string
		expected int
		first    *nomad.DiscoverResponse
		second   *nomad.DiscoverResponse
		want     GlobalState
	}{
		{"accepting", 2, discovery(nomad.StateCommitted, "u1"), discovery(nomad.StateRolledBack, "u2"), GlobalAccepting},
		{"prepared", 2, discovery(nomad.StatePrepared, "u1"), discovery(nomad.StatePrepared, "u1"), GlobalPrepared},
		{"maybe prepared", 3, discovery(nomad.StatePrepared, "u1"), discovery(nomad.StatePrepared, "u1"), GlobalMaybePrepared},
		{"partially prepared", 2, discovery(nomad.StatePrepared, "u1"), discovery(nomad.StatePrepared, "u2"), GlobalPartiallyPrepared},
		{"partially committed", 2, discovery(nomad.StateCommitted, "u1"), discovery(nomad.StatePrepared, "u1"), GlobalPartiallyCommitted},
		{"maybe partially committed", 3, discovery(nomad.StateCommitted, "u1"), discovery(nomad.StatePrepared, "u1"), GlobalMaybePartiallyCommitted},
		{"partially rolled back", 2, discovery(nomad.StateRolledBack, "u1"), discovery(nomad.StatePrepared, "u1"), GlobalPartiallyRolledBack},
		{"maybe partially rolled back", 3, discovery(nomad.StateRolledBack, "u1"), discovery(nomad.StatePrepared, "u1"), GlobalMaybePartiallyRolledBack},
		{"unknown", 2, stuck(discovery(nomad.StateCommitted, "u1")), discovery(nomad.StateCommitted, "u1"), GlobalUnknown},
		{"maybe unknown", 3, stuck(discovery(nomad.StateCommitted, "u1")), discovery(nomad.StateCommitted, "u1"), GlobalMaybeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewConsistencyAnalyzer(tt.expected)
			discoverBoth(a, tt.first, tt.second)
			require.Equal(t, tt.want, a.GlobalState())
		})
	}
}

func TestConsistencyAnalyzerProblems(t *testing.T) {
	t.Run("discovery failure", func(t *testing.T) {
		a := NewConsistencyAnalyzer(2)
		a.Discovered(address1, discovery(nomad.StateCommitted, "u1"))
		a.DiscoverFail(address2, "connection refused")

		require.Equal(t, GlobalDiscoveryFailure, a.GlobalState())
		require.Equal(t, "connection refused", a.DiscoverFailure())
		require.True(t, a.HasUnreachableNodes())
		require.Equal(t, []string{address1}, a.Addresses())
	})

	t.Run("inconsistent", func(t *testing.T) {
		a := NewConsistencyAnalyzer(2)
		discoverBoth(a, discovery(nomad.StateCommitted, "u1"), discovery(nomad.StateRolledBack, "u1"))
		a.DiscoverClusterInconsistent("u1", []string{address1}, []string{address2})

		require.Equal(t, GlobalInconsistent, a.GlobalState())
		require.Equal(t, "u1", a.InconsistentChangeUUID)
		require.Equal(t, []string{address1}, a.CommittedNodes)
		require.Equal(t, []string{address2}, a.RolledBackNodes)
	})

	t.Run("concurrent access", func(t *testing.T) {
		a := NewConsistencyAnalyzer(2)
		discoverBoth(a, discovery(nomad.StateCommitted, "u1"), discovery(nomad.StatePrepared, "u2"))
		a.DiscoverOtherClient(address2, "other", "mallory")

		require.Equal(t, GlobalConcurrentAccess, a.GlobalState())
		require.Equal(t, address2, a.NodeProcessingOtherClient)
		require.Equal(t, "other", a.OtherClientHost)
		require.Equal(t, "mallory", a.OtherClientUser)
	})
}

func TestConsistencyAnalyzerCheckpoint(t *testing.T) {
	a := NewConsistencyAnalyzer(2)
	_, ok := a.Checkpoint()
	require.False(t, ok)

	newer := discovery(nomad.StateCommitted, "u5")
	newer.LatestCommittedChange = &nomad.ChangeDetails{UUID: "u5", State: nomad.StateCommitted, Version: 5}
	discoverBoth(a, newer, discovery(nomad.StateCommitted, "u2"))

	checkpoint, ok := a.Checkpoint()
	require.True(t, ok)
	require.Equal(t, "u2", checkpoint.UUID)

	resp, ok := a.Response(address1)
	require.True(t, ok)
	require.Equal(t, int64(5), resp.LatestCommittedChange.Version)
}
