package client

import (
	"github.com/ValentinKolb/dNomad/lib/nomad"
)

// The deciders record the results of a process and answer the questions the
// process asks between phases. They do no I/O: a process feeds them through
// the same receiver callbacks it delivers to the caller.

// --------------------------------------------------------------------------
// Discovery
// --------------------------------------------------------------------------

type discoveryState struct {
	NoopResultsReceiver

	host string
	user string

	// responses of the first discovery in endpoint order
	order     []string
	responses map[string]*nomad.DiscoverResponse
	failed    map[string]bool

	secondDiscoverFailed bool
	otherClient          bool
	alreadyPrepared      bool
	inconsistent         bool
}

func newDiscoveryState(host, user string) discoveryState {
	return discoveryState{
		host:      host,
		user:      user,
		responses: make(map[string]*nomad.DiscoverResponse),
		failed:    make(map[string]bool),
	}
}

func (d *discoveryState) Discovered(address string, response *nomad.DiscoverResponse) {
	if _, ok := d.responses[address]; !ok {
		d.order = append(d.order, address)
	}
	d.responses[address] = response
}

func (d *discoveryState) DiscoverFail(address, _ string) {
	if _, ok := d.responses[address]; ok {
		d.secondDiscoverFailed = true
	}
	d.failed[address] = true
}

func (d *discoveryState) DiscoverAlreadyPrepared(string, string, string, string) {
	d.alreadyPrepared = true
}

func (d *discoveryState) DiscoverClusterInconsistent(string, []string, []string) {
	d.inconsistent = true
}

func (d *discoveryState) DiscoverOtherClient(string, string, string) {
	d.otherClient = true
}

// respondingNodes counts the servers that answered the first discovery and
// did not fail the second one
func (d *discoveryState) respondingNodes() int {
	n := 0
	for address := range d.responses {
		if !d.failed[address] {
			n++
		}
	}
	return n
}

// anyDiscoverFailed reports whether a server did not answer a discovery
func (d *discoveryState) anyDiscoverFailed() bool {
	return len(d.failed) > 0
}

// reachable filters endpoints to those that answered the first discovery
func (d *discoveryState) reachable(endpoints []INomadEndpoint) []INomadEndpoint {
	var result []INomadEndpoint
	for _, e := range endpoints {
		if _, ok := d.responses[e.Address()]; ok && !d.failed[e.Address()] {
			result = append(result, e)
		}
	}
	return result
}

// isWholeClusterAccepting reports whether no server has an outstanding change
func (d *discoveryState) isWholeClusterAccepting() bool {
	for _, r := range d.responses {
		if r.Mode != nomad.ModeAccepting || r.HighestVersion != r.CurrentVersion {
			return false
		}
	}
	return true
}

// preparedServers returns the addresses in mode PREPARED, in endpoint order
func (d *discoveryState) preparedServers() []string {
	var result []string
	for _, address := range d.order {
		if d.responses[address].Mode == nomad.ModePrepared {
			result = append(result, address)
		}
	}
	return result
}

// inconsistentChange looks for a change that is committed on some servers
// and rolled back on others
func (d *discoveryState) inconsistentChange() (changeUUID string, committed, rolledBack []string, found bool) {
	rolledBackOn := make(map[string][]string)
	committedOn := make(map[string][]string)

	for _, address := range d.order {
		r := d.responses[address]
		switch {
		case r.LatestChangeState() == nomad.StateRolledBack:
			rolledBackOn[r.LatestChangeUUID()] = append(rolledBackOn[r.LatestChangeUUID()], address)
		case r.LatestCommittedChange != nil:
			uuid := r.LatestCommittedChange.UUID
			committedOn[uuid] = append(committedOn[uuid], address)
		}
	}

	for _, address := range d.order {
		uuid := d.responses[address].LatestChangeUUID()
		if len(rolledBackOn[uuid]) > 0 && len(committedOn[uuid]) > 0 {
			return uuid, committedOn[uuid], rolledBackOn[uuid], true
		}
	}
	return "", nil, nil, false
}

// --------------------------------------------------------------------------
// Change Decider
// --------------------------------------------------------------------------

type changeDecider struct {
	discoveryState

	prepareRejected bool
	prepareFailed   bool
	prepared        map[string]bool
	commitFailed    bool
	rollbackFailed  bool
}

func newChangeDecider(host, user string) *changeDecider {
	return &changeDecider{
		discoveryState: newDiscoveryState(host, user),
		prepared:       make(map[string]bool),
	}
}

func (d *changeDecider) Prepared(address string) {
	d.prepared[address] = true
}

func (d *changeDecider) PrepareFail(string, string) {
	d.prepareFailed = true
}

func (d *changeDecider) PrepareOtherClient(string, string, string) {
	d.prepareRejected = true
}

func (d *changeDecider) PrepareChangeUnacceptable(string, string) {
	d.prepareRejected = true
}

func (d *changeDecider) CommitFail(string, string) {
	d.commitFailed = true
}

func (d *changeDecider) CommitOtherClient(string, string, string) {
	d.commitFailed = true
}

func (d *changeDecider) RollbackFail(string, string) {
	d.rollbackFailed = true
}

func (d *changeDecider) RollbackOtherClient(string, string, string) {
	d.rollbackFailed = true
}

// isDiscoverySuccessful reports whether the change may be prepared. Servers
// that failed the first discovery are excluded, not fatal.
func (d *changeDecider) isDiscoverySuccessful() bool {
	return d.respondingNodes() > 0 &&
		!d.secondDiscoverFailed &&
		!d.otherClient &&
		!d.alreadyPrepared &&
		!d.inconsistent
}

func (d *changeDecider) isPrepareSuccessful() bool {
	return !d.prepareRejected && !d.prepareFailed
}

func (d *changeDecider) shouldDoCommit() bool {
	return d.isDiscoverySuccessful() && d.isPrepareSuccessful()
}

// nextVersions returns currentVersion+1 per reachable server
func (d *changeDecider) nextVersions() map[string]int64 {
	versions := make(map[string]int64, len(d.responses))
	for address, r := range d.responses {
		versions[address] = r.CurrentVersion + 1
	}
	return versions
}

// preparedEndpoints filters endpoints to those that accepted the prepare
func (d *changeDecider) preparedEndpoints(endpoints []INomadEndpoint) []INomadEndpoint {
	var result []INomadEndpoint
	for _, e := range endpoints {
		if d.prepared[e.Address()] {
			result = append(result, e)
		}
	}
	return result
}

func (d *changeDecider) consistency() Consistency {
	switch {
	case d.inconsistent:
		return UnrecoverablyInconsistent
	case !d.isDiscoverySuccessful():
		return UnknownButNoChange
	case d.shouldDoCommit():
		if d.commitFailed || d.anyDiscoverFailed() {
			return MayNeedRecovery
		}
		return Consistent
	default:
		// a prepare that failed in transit may still have been applied
		if d.rollbackFailed || d.prepareFailed {
			return MayNeedRecovery
		}
		if d.anyDiscoverFailed() && len(d.prepared) == 0 {
			return UnknownButNoChange
		}
		return Consistent
	}
}

// --------------------------------------------------------------------------
// Recovery Decider
// --------------------------------------------------------------------------

type recoveryDecider struct {
	discoveryState

	expectedNodeCount int
	forcedState       nomad.ChangeRequestState

	notEnoughNodes bool
	takeoverFailed bool
	takenOver      map[string]bool
	commitFailed   bool
	rollbackFailed bool
}

func newRecoveryDecider(host, user string, expectedNodeCount int, forcedState nomad.ChangeRequestState) *recoveryDecider {
	return &recoveryDecider{
		discoveryState:    newDiscoveryState(host, user),
		expectedNodeCount: expectedNodeCount,
		forcedState:       forcedState,
		takenOver:         make(map[string]bool),
	}
}

func (d *recoveryDecider) DiscoverNotEnoughNodes(int, int) {
	d.notEnoughNodes = true
}

func (d *recoveryDecider) TakenOver(address string) {
	d.takenOver[address] = true
}

func (d *recoveryDecider) TakeoverFail(string, string) {
	d.takeoverFailed = true
}

func (d *recoveryDecider) TakeoverOtherClient(string, string, string) {
	d.takeoverFailed = true
}

func (d *recoveryDecider) CommitFail(string, string) {
	d.commitFailed = true
}

func (d *recoveryDecider) CommitOtherClient(string, string, string) {
	d.commitFailed = true
}

func (d *recoveryDecider) RollbackFail(string, string) {
	d.rollbackFailed = true
}

func (d *recoveryDecider) RollbackOtherClient(string, string, string) {
	d.rollbackFailed = true
}

func (d *recoveryDecider) hasEnoughNodes() bool {
	return d.respondingNodes() >= d.expectedNodeCount
}

func (d *recoveryDecider) isDiscoverySuccessful() bool {
	return len(d.responses) > 0 &&
		!d.notEnoughNodes &&
		!d.otherClient &&
		!d.inconsistent
}

// isPreparedConsistently reports whether all prepared servers prepared the same change
func (d *recoveryDecider) isPreparedConsistently() bool {
	uuid := ""
	for _, address := range d.preparedServers() {
		latest := d.responses[address].LatestChangeUUID()
		if uuid == "" {
			uuid = latest
		} else if uuid != latest {
			return false
		}
	}
	return true
}

// preparedChangeUUID returns the change prepared on the first prepared server
func (d *recoveryDecider) preparedChangeUUID() string {
	prepared := d.preparedServers()
	if len(prepared) == 0 {
		return ""
	}
	return d.responses[prepared[0]].LatestChangeUUID()
}

func (d *recoveryDecider) isTakeoverSuccessful() bool {
	return !d.takeoverFailed
}

// shouldDoCommit decides the terminal state: the forced state if given,
// otherwise commit if any server already committed the prepared change
func (d *recoveryDecider) shouldDoCommit() bool {
	if !d.isPreparedConsistently() {
		return false
	}
	if d.forcedState != "" {
		return d.forcedState == nomad.StateCommitted
	}

	uuid := d.preparedChangeUUID()
	for _, r := range d.responses {
		if r.LatestCommittedChange != nil && r.LatestCommittedChange.UUID == uuid {
			return true
		}
	}
	return false
}

// takenOverEndpoints filters endpoints to those that accepted the takeover
func (d *recoveryDecider) takenOverEndpoints(endpoints []INomadEndpoint) []INomadEndpoint {
	var result []INomadEndpoint
	for _, e := range endpoints {
		if d.takenOver[e.Address()] {
			result = append(result, e)
		}
	}
	return result
}

// latestChangeUUID returns the change a server reported as latest
func (d *recoveryDecider) latestChangeUUID(address string) string {
	return d.responses[address].LatestChangeUUID()
}

func (d *recoveryDecider) consistency() Consistency {
	switch {
	case d.inconsistent:
		return UnrecoverablyInconsistent
	case !d.isDiscoverySuccessful():
		return UnknownButNoChange
	case d.isWholeClusterAccepting():
		if d.anyDiscoverFailed() {
			return UnknownButNoChange
		}
		return Consistent
	case !d.isTakeoverSuccessful(), d.commitFailed, d.rollbackFailed, d.anyDiscoverFailed():
		return MayNeedRecovery
	case len(d.takenOver) < len(d.preparedServers()):
		// aborted before every prepared server was taken over
		return MayNeedRecovery
	default:
		return Consistent
	}
}
