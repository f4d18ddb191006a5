package client

import (
	"context"
	"errors"
	"time"

	"github.com/ValentinKolb/dNomad/lib/nomad"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rcrowley/go-metrics"
	"github.com/sourcegraph/conc/pool"
)

// messageSender sends one phase of nomad messages to a set of endpoints and
// tracks the mutative message count of every server it talked to
type messageSender struct {
	host           string
	user           string
	timeout        time.Duration
	maxConcurrency int
	registry       metrics.Registry
	now            func() time.Time

	// address -> expected mutative message count
	counts *xsync.MapOf[string, int64]
}

func newMessageSender(opts Options, registry metrics.Registry) *messageSender {
	return &messageSender{
		host:           opts.Host,
		user:           opts.User,
		timeout:        opts.Timeout,
		maxConcurrency: opts.MaxConcurrency,
		registry:       registry,
		now:            time.Now,
		counts:         xsync.NewMapOf[string, int64](),
	}
}

// callResult is the outcome of one call of a fan-out
type callResult[T any] struct {
	endpoint INomadEndpoint
	value    T
	err      error
}

// fanOut calls fn on every endpoint with at most maxConcurrency calls in
// flight. Each call gets its own timeout. The results are returned in
// endpoint order once all calls finished.
func fanOut[T any](ctx context.Context, s *messageSender, endpoints []INomadEndpoint, fn func(ctx context.Context, e INomadEndpoint) (T, error)) []callResult[T] {
	results := make([]callResult[T], len(endpoints))
	if len(endpoints) == 0 {
		return results
	}

	p := pool.New().WithMaxGoroutines(min(len(endpoints), max(s.maxConcurrency, 1)))
	for i, e := range endpoints {
		p.Go(func() {
			callCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			v, err := fn(callCtx, e)
			results[i] = callResult[T]{endpoint: e, value: v, err: err}
		})
	}
	p.Wait()
	return results
}

func (s *messageSender) mutative(address, changeUUID string) nomad.MutativeMessage {
	count, _ := s.counts.Load(address)
	return nomad.MutativeMessage{
		ExpectedMutativeMessageCount: count,
		MutationHost:                 s.host,
		MutationUser:                 s.user,
		MutationTimestamp:            s.now(),
		ChangeUUID:                   changeUUID,
	}
}

// accepted advances the expected count of a server after an accepted mutation
func (s *messageSender) accepted(address string) {
	s.counts.Compute(address, func(old int64, _ bool) (int64, bool) {
		return old + 1, false
	})
}

func (s *messageSender) timePhase(phase string, start time.Time) {
	metrics.GetOrRegisterTimer("nomad.client."+phase, s.registry).UpdateSince(start)
}

func (s *messageSender) countFailure(phase string) {
	metrics.GetOrRegisterCounter("nomad.client."+phase+".failures", s.registry).Inc(1)
}

// --------------------------------------------------------------------------
// Phases
// --------------------------------------------------------------------------

func (s *messageSender) sendDiscovers(ctx context.Context, endpoints []INomadEndpoint, results IDiscoverResultsReceiver) {
	defer s.timePhase("discover", time.Now())
	results.StartDiscovery(addresses(endpoints))

	for _, r := range fanOut(ctx, s, endpoints, discoverCall) {
		address := r.endpoint.Address()
		if r.err != nil {
			s.countFailure("discover")
			results.DiscoverFail(address, r.err.Error())
			continue
		}
		s.counts.Store(address, r.value.MutativeMessageCount)
		results.Discovered(address, r.value)
	}

	results.EndDiscovery()
}

// sendSecondDiscovers verifies that no server was mutated since the first discovery
func (s *messageSender) sendSecondDiscovers(ctx context.Context, endpoints []INomadEndpoint, results IDiscoverResultsReceiver) {
	defer s.timePhase("discover", time.Now())
	results.StartSecondDiscovery()

	for _, r := range fanOut(ctx, s, endpoints, discoverCall) {
		address := r.endpoint.Address()
		if r.err != nil {
			s.countFailure("discover")
			results.DiscoverFail(address, r.err.Error())
			continue
		}
		if expected, _ := s.counts.Load(address); expected == r.value.MutativeMessageCount {
			results.DiscoverRepeated(address)
		} else {
			results.DiscoverOtherClient(address, r.value.LastMutationHost, r.value.LastMutationUser)
		}
	}

	results.EndSecondDiscovery()
}

// sendPrepares prepares the change on every endpoint at the version given per address
func (s *messageSender) sendPrepares(ctx context.Context, endpoints []INomadEndpoint, changeUUID string, versions map[string]int64, change nomad.Change, results IPrepareResultsReceiver) {
	defer s.timePhase("prepare", time.Now())
	results.StartPrepare(changeUUID)

	call := func(ctx context.Context, e INomadEndpoint) (nomad.AcceptRejectResponse, error) {
		return e.Prepare(ctx, nomad.PrepareMessage{
			MutativeMessage: s.mutative(e.Address(), changeUUID),
			VersionNumber:   versions[e.Address()],
			Change:          change,
		})
	}

	for _, r := range fanOut(ctx, s, endpoints, call) {
		address := r.endpoint.Address()
		switch {
		case r.err != nil:
			s.countFailure("prepare")
			results.PrepareFail(address, r.err.Error())
		case r.value.Accepted:
			s.accepted(address)
			results.Prepared(address)
		case r.value.RejectionType == nomad.RejectionUnacceptableChange:
			results.PrepareChangeUnacceptable(address, r.value.RejectionMessage)
		case r.value.RejectionType == nomad.RejectionCheckError, r.value.RejectionType == nomad.RejectionConcurrentChange:
			results.PrepareOtherClient(address, r.value.LastMutationHost, r.value.LastMutationUser)
		default:
			s.countFailure("prepare")
			results.PrepareFail(address, r.value.String())
		}
	}

	results.EndPrepare()
}

func (s *messageSender) sendCommits(ctx context.Context, endpoints []INomadEndpoint, changeUUID string, results ICommitResultsReceiver) {
	defer s.timePhase("commit", time.Now())
	results.StartCommit()

	call := func(ctx context.Context, e INomadEndpoint) (nomad.AcceptRejectResponse, error) {
		return e.Commit(ctx, nomad.CommitMessage{MutativeMessage: s.mutative(e.Address(), changeUUID)})
	}

	for _, r := range fanOut(ctx, s, endpoints, call) {
		address := r.endpoint.Address()
		switch {
		case r.err != nil:
			s.countFailure("commit")
			results.CommitFail(address, r.err.Error())
		case r.value.Accepted:
			s.accepted(address)
			results.Committed(address, r.value.RequiresRestart)
		case r.value.RejectionType == nomad.RejectionCheckError:
			results.CommitOtherClient(address, r.value.LastMutationHost, r.value.LastMutationUser)
		default:
			s.countFailure("commit")
			results.CommitFail(address, r.value.String())
		}
	}

	results.EndCommit()
}

// sendRollbacks rolls back the change returned by changeUUID for each address
func (s *messageSender) sendRollbacks(ctx context.Context, endpoints []INomadEndpoint, changeUUID func(address string) string, results IRollbackResultsReceiver) {
	defer s.timePhase("rollback", time.Now())
	results.StartRollback()

	call := func(ctx context.Context, e INomadEndpoint) (nomad.AcceptRejectResponse, error) {
		return e.Rollback(ctx, nomad.RollbackMessage{MutativeMessage: s.mutative(e.Address(), changeUUID(e.Address()))})
	}

	for _, r := range fanOut(ctx, s, endpoints, call) {
		address := r.endpoint.Address()
		switch {
		case r.err != nil:
			s.countFailure("rollback")
			results.RollbackFail(address, r.err.Error())
		case r.value.Accepted:
			s.accepted(address)
			results.RolledBack(address)
		case r.value.RejectionType == nomad.RejectionCheckError:
			results.RollbackOtherClient(address, r.value.LastMutationHost, r.value.LastMutationUser)
		default:
			s.countFailure("rollback")
			results.RollbackFail(address, r.value.String())
		}
	}

	results.EndRollback()
}

func (s *messageSender) sendTakeovers(ctx context.Context, endpoints []INomadEndpoint, results ITakeoverResultsReceiver) {
	defer s.timePhase("takeover", time.Now())
	results.StartTakeover()

	call := func(ctx context.Context, e INomadEndpoint) (nomad.AcceptRejectResponse, error) {
		return e.Takeover(ctx, nomad.TakeoverMessage{MutativeMessage: s.mutative(e.Address(), "")})
	}

	for _, r := range fanOut(ctx, s, endpoints, call) {
		address := r.endpoint.Address()
		switch {
		case r.err != nil:
			s.countFailure("takeover")
			results.TakeoverFail(address, r.err.Error())
		case r.value.Accepted:
			s.accepted(address)
			results.TakenOver(address)
		case r.value.RejectionType == nomad.RejectionCheckError:
			results.TakeoverOtherClient(address, r.value.LastMutationHost, r.value.LastMutationUser)
		default:
			s.countFailure("takeover")
			results.TakeoverFail(address, r.value.String())
		}
	}

	results.EndTakeover()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func discoverCall(ctx context.Context, e INomadEndpoint) (*nomad.DiscoverResponse, error) {
	resp, err := e.Discover(ctx)
	if err == nil && resp == nil {
		return nil, errors.New("empty discover response")
	}
	return resp, err
}

func addresses(endpoints []INomadEndpoint) []string {
	result := make([]string, len(endpoints))
	for i, e := range endpoints {
		result[i] = e.Address()
	}
	return result
}
