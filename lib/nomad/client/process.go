package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dNomad/lib/nomad"
	"github.com/google/uuid"
)

var (
	// ErrNotEnoughNodes is returned by a recovery that reached fewer servers than expected
	ErrNotEnoughNodes = errors.New("not enough nodes responded")
	// ErrPreparedInconsistently is returned by a recovery forced to commit while
	// the prepared servers disagree on the change
	ErrPreparedInconsistently = errors.New("prepared servers disagree on the change")
)

// reportDiscoveryProblems checks the first discovery for changes that are
// committed on some servers and rolled back on others
func reportDiscoveryProblems(d *discoveryState, results IDiscoverResultsReceiver) {
	if changeUUID, committed, rolledBack, found := d.inconsistentChange(); found {
		results.DiscoverClusterInconsistent(changeUUID, committed, rolledBack)
	}
}

// --------------------------------------------------------------------------
// Discovery Process
// --------------------------------------------------------------------------

// DiscoveryProcess runs one read-only discovery round
type DiscoveryProcess struct {
	endpoints []INomadEndpoint
	sender    *messageSender
}

// Run discovers every endpoint and returns the analyzed cluster state
func (p *DiscoveryProcess) Run(ctx context.Context, expectedNodeCount int, results IResultsReceiver) *ConsistencyAnalyzer {
	analyzer := NewConsistencyAnalyzer(expectedNodeCount)
	r := MuxResultsReceiver{analyzer, results}

	p.sender.sendDiscovers(ctx, p.endpoints, r)
	reportDiscoveryProblems(&analyzer.discoveryState, r)
	return analyzer
}

// --------------------------------------------------------------------------
// Change Process
// --------------------------------------------------------------------------

// ChangeProcess applies a change to all servers with a two phase commit
type ChangeProcess struct {
	endpoints []INomadEndpoint
	sender    *messageSender
	newUUID   func() string
}

// Run executes discovery, prepare and commit (or rollback). Servers that do
// not answer the first discovery are left out; the result then is at best
// MayNeedRecovery.
func (p *ChangeProcess) Run(ctx context.Context, change nomad.Change, results IResultsReceiver) Consistency {
	d := newChangeDecider(p.sender.host, p.sender.user)
	r := MuxResultsReceiver{d, results}
	done := func() Consistency {
		c := d.consistency()
		r.Done(c)
		return c
	}

	p.sender.sendDiscovers(ctx, p.endpoints, r)
	reportDiscoveryProblems(&d.discoveryState, r)
	if !d.inconsistent {
		for _, address := range d.preparedServers() {
			resp := d.responses[address]
			if resp.LastMutationHost != d.host || resp.LastMutationUser != d.user {
				r.DiscoverOtherClient(address, resp.LastMutationHost, resp.LastMutationUser)
				continue
			}
			latest := resp.LatestChange
			r.DiscoverAlreadyPrepared(address, latest.UUID, latest.CreationHost, latest.CreationUser)
		}
	}
	if !d.isDiscoverySuccessful() {
		return done()
	}

	endpoints := d.reachable(p.endpoints)
	p.sender.sendSecondDiscovers(ctx, endpoints, r)
	if !d.isDiscoverySuccessful() {
		return done()
	}

	changeUUID := p.newUUID()
	p.sender.sendPrepares(ctx, endpoints, changeUUID, d.nextVersions(), change, r)

	prepared := d.preparedEndpoints(endpoints)
	if d.shouldDoCommit() {
		p.sender.sendCommits(ctx, prepared, changeUUID, r)
	} else if len(prepared) > 0 {
		p.sender.sendRollbacks(ctx, prepared, func(string) string { return changeUUID }, r)
	}
	return done()
}

// --------------------------------------------------------------------------
// Recovery Process
// --------------------------------------------------------------------------

// RecoveryProcess finishes a change that was left prepared by a client
// that did not complete it
type RecoveryProcess struct {
	endpoints []INomadEndpoint
	sender    *messageSender
}

// Run takes over every prepared server and commits or rolls back its change.
// forcedState may be "" to let the recovery decide: commit if any server
// already committed the prepared change, else roll back.
func (p *RecoveryProcess) Run(ctx context.Context, expectedNodeCount int, forcedState nomad.ChangeRequestState, results IResultsReceiver) (Consistency, error) {
	if forcedState != "" && !forcedState.Terminal() {
		return UnknownButNoChange, fmt.Errorf("invalid forced state %q", forcedState)
	}

	d := newRecoveryDecider(p.sender.host, p.sender.user, expectedNodeCount, forcedState)
	r := MuxResultsReceiver{d, results}
	done := func(err error) (Consistency, error) {
		c := d.consistency()
		r.Done(c)
		return c, err
	}

	p.sender.sendDiscovers(ctx, p.endpoints, r)
	reportDiscoveryProblems(&d.discoveryState, r)
	if d.inconsistent {
		return done(nil)
	}

	endpoints := d.reachable(p.endpoints)
	p.sender.sendSecondDiscovers(ctx, endpoints, r)
	if !d.hasEnoughNodes() {
		r.DiscoverNotEnoughNodes(expectedNodeCount, d.respondingNodes())
		return done(fmt.Errorf("%w: expected %d, got %d", ErrNotEnoughNodes, expectedNodeCount, d.respondingNodes()))
	}
	if !d.isDiscoverySuccessful() || d.isWholeClusterAccepting() {
		return done(nil)
	}
	if forcedState == nomad.StateCommitted && !d.isPreparedConsistently() {
		return done(ErrPreparedInconsistently)
	}

	// only servers with an outstanding change need to be taken over
	endpoints = d.reachable(p.endpoints)
	var prepared []INomadEndpoint
	for _, e := range endpoints {
		if d.responses[e.Address()].Mode == nomad.ModePrepared {
			prepared = append(prepared, e)
		}
	}

	p.sender.sendTakeovers(ctx, prepared, r)
	if !d.isTakeoverSuccessful() {
		return done(nil)
	}

	takenOver := d.takenOverEndpoints(prepared)
	if d.shouldDoCommit() {
		p.sender.sendCommits(ctx, takenOver, d.preparedChangeUUID(), r)
	} else {
		p.sender.sendRollbacks(ctx, takenOver, d.latestChangeUUID, r)
	}
	return done(nil)
}

func newChangeUUID() string {
	return uuid.NewString()
}
