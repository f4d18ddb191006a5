package client

import (
	"github.com/ValentinKolb/dNomad/lib/nomad"
)

// GlobalState summarizes the state of a cluster as seen by one discovery
type GlobalState string

const (
	GlobalAccepting        GlobalState = "ACCEPTING"
	GlobalPrepared         GlobalState = "PREPARED"
	GlobalInconsistent     GlobalState = "INCONSISTENT"
	GlobalConcurrentAccess GlobalState = "CONCURRENT_ACCESS"
	GlobalDiscoveryFailure GlobalState = "DISCOVERY_FAILURE"

	GlobalPartiallyPrepared   GlobalState = "PARTIALLY_PREPARED"
	GlobalPartiallyCommitted  GlobalState = "PARTIALLY_COMMITTED"
	GlobalPartiallyRolledBack GlobalState = "PARTIALLY_ROLLED_BACK"
	GlobalUnknown             GlobalState = "UNKNOWN"

	// MAYBE_* states: the online servers agree but some servers did not respond
	GlobalMaybePrepared            GlobalState = "MAYBE_PREPARED"
	GlobalMaybePartiallyCommitted  GlobalState = "MAYBE_PARTIALLY_COMMITTED"
	GlobalMaybePartiallyRolledBack GlobalState = "MAYBE_PARTIALLY_ROLLED_BACK"
	GlobalMaybeUnknown             GlobalState = "MAYBE_UNKNOWN"
)

// ConsistencyAnalyzer collects the results of a discovery and derives the
// global state of the cluster
type ConsistencyAnalyzer struct {
	discoveryState

	expectedNodeCount int
	discoverFailure   string

	InconsistentChangeUUID string
	CommittedNodes         []string
	RolledBackNodes        []string

	NodeProcessingOtherClient string
	OtherClientHost           string
	OtherClientUser           string
}

// NewConsistencyAnalyzer creates an analyzer expecting expectedNodeCount servers
func NewConsistencyAnalyzer(expectedNodeCount int) *ConsistencyAnalyzer {
	return &ConsistencyAnalyzer{
		discoveryState:    newDiscoveryState("", ""),
		expectedNodeCount: expectedNodeCount,
	}
}

func (a *ConsistencyAnalyzer) DiscoverFail(address, reason string) {
	a.discoveryState.DiscoverFail(address, reason)
	a.discoverFailure = reason
}

func (a *ConsistencyAnalyzer) DiscoverClusterInconsistent(changeUUID string, committed, rolledBack []string) {
	a.discoveryState.DiscoverClusterInconsistent(changeUUID, committed, rolledBack)
	a.InconsistentChangeUUID = changeUUID
	a.CommittedNodes = committed
	a.RolledBackNodes = rolledBack
}

func (a *ConsistencyAnalyzer) DiscoverOtherClient(address, host, user string) {
	a.discoveryState.DiscoverOtherClient(address, host, user)
	a.NodeProcessingOtherClient = address
	a.OtherClientHost = host
	a.OtherClientUser = user
}

// Response returns the discovery response of a server
func (a *ConsistencyAnalyzer) Response(address string) (*nomad.DiscoverResponse, bool) {
	r, ok := a.responses[address]
	return r, ok
}

// Addresses returns the servers that responded, in endpoint order
func (a *ConsistencyAnalyzer) Addresses() []string {
	return append([]string(nil), a.order...)
}

// DiscoverFailure returns the reason of the last failed discovery or ""
func (a *ConsistencyAnalyzer) DiscoverFailure() string {
	return a.discoverFailure
}

// HasUnreachableNodes reports whether fewer servers responded than expected
func (a *ConsistencyAnalyzer) HasUnreachableNodes() bool {
	return a.expectedNodeCount > len(a.responses)
}

// Checkpoint returns the newest committed change known to every responding
// server, i.e. the last configuration the whole cluster agrees on
func (a *ConsistencyAnalyzer) Checkpoint() (*nomad.ChangeDetails, bool) {
	var checkpoint *nomad.ChangeDetails
	for _, address := range a.order {
		committed := a.responses[address].LatestCommittedChange
		if committed == nil {
			return nil, false
		}
		if checkpoint == nil || committed.Version < checkpoint.Version {
			checkpoint = committed
		}
	}
	return checkpoint, checkpoint != nil
}

// GlobalState derives the cluster state from the collected results
func (a *ConsistencyAnalyzer) GlobalState() GlobalState {
	switch {
	case a.discoverFailure != "":
		return GlobalDiscoveryFailure
	case a.inconsistent:
		return GlobalInconsistent
	case a.otherClient:
		return GlobalConcurrentAccess
	}

	allAccepting := true
	uuids := make(map[string]struct{})
	var prepared, committed, rolledBack int
	for _, r := range a.responses {
		if r.Mode != nomad.ModeAccepting {
			allAccepting = false
		}
		uuids[r.LatestChangeUUID()] = struct{}{}
		switch r.LatestChangeState() {
		case nomad.StatePrepared:
			prepared++
		case nomad.StateCommitted:
			committed++
		case nomad.StateRolledBack:
			rolledBack++
		}
	}
	if allAccepting {
		return GlobalAccepting
	}

	sameChange := len(uuids) == 1
	allOnline := len(a.responses) >= a.expectedNodeCount

	switch {
	case sameChange && rolledBack == 0 && committed == 0 && prepared > 0:
		if prepared >= a.expectedNodeCount {
			return GlobalPrepared
		}
		return GlobalMaybePrepared
	case !sameChange && prepared > 0:
		return GlobalPartiallyPrepared
	case sameChange && rolledBack == 0 && committed > 0 && prepared > 0:
		if prepared+committed >= a.expectedNodeCount {
			return GlobalPartiallyCommitted
		}
		return GlobalMaybePartiallyCommitted
	case sameChange && rolledBack > 0 && committed == 0 && prepared > 0:
		if prepared+rolledBack >= a.expectedNodeCount {
			return GlobalPartiallyRolledBack
		}
		return GlobalMaybePartiallyRolledBack
	case allOnline:
		return GlobalUnknown
	default:
		return GlobalMaybeUnknown
	}
}
