package client

import (
	"strings"

	"github.com/ValentinKolb/dNomad/lib/nomad"
)

// --------------------------------------------------------------------------
// Consistency
// --------------------------------------------------------------------------

// Consistency is the outcome of a change or recovery process
type Consistency uint8

const (
	// Consistent: every server ended in the same state
	Consistent Consistency = iota
	// MayNeedRecovery: a change was started but not all servers finished it
	MayNeedRecovery
	// UnknownButNoChange: the process aborted before changing anything
	UnknownButNoChange
	// UnrecoverablyInconsistent: servers disagree on the outcome of a change
	UnrecoverablyInconsistent
)

// String returns the string representation of a Consistency.
func (c Consistency) String() string {
	switch c {
	case Consistent:
		return "CONSISTENT"
	case MayNeedRecovery:
		return "MAY_NEED_RECOVERY"
	case UnknownButNoChange:
		return "UNKNOWN_BUT_NO_CHANGE"
	case UnrecoverablyInconsistent:
		return "UNRECOVERABLY_INCONSISTENT"
	default:
		return "UNKNOWN"
	}
}

// --------------------------------------------------------------------------
// Receiver Interfaces
// --------------------------------------------------------------------------

// IDiscoverResultsReceiver receives the results of the discovery rounds.
// All callbacks are delivered from one goroutine in phase order.
type IDiscoverResultsReceiver interface {
	StartDiscovery(addresses []string)
	Discovered(address string, response *nomad.DiscoverResponse)
	DiscoverFail(address string, reason string)
	DiscoverAlreadyPrepared(address, changeUUID, creationHost, creationUser string)
	DiscoverClusterInconsistent(changeUUID string, committed, rolledBack []string)
	DiscoverOtherClient(address, lastMutationHost, lastMutationUser string)
	EndDiscovery()

	StartSecondDiscovery()
	DiscoverRepeated(address string)
	EndSecondDiscovery()

	Done(consistency Consistency)
}

type IPrepareResultsReceiver interface {
	StartPrepare(changeUUID string)
	Prepared(address string)
	PrepareFail(address, reason string)
	PrepareOtherClient(address, lastMutationHost, lastMutationUser string)
	PrepareChangeUnacceptable(address, reason string)
	EndPrepare()
}

type ICommitResultsReceiver interface {
	StartCommit()
	Committed(address string, requiresRestart bool)
	CommitFail(address, reason string)
	CommitOtherClient(address, lastMutationHost, lastMutationUser string)
	EndCommit()
}

type IRollbackResultsReceiver interface {
	StartRollback()
	RolledBack(address string)
	RollbackFail(address, reason string)
	RollbackOtherClient(address, lastMutationHost, lastMutationUser string)
	EndRollback()
}

type ITakeoverResultsReceiver interface {
	StartTakeover()
	TakenOver(address string)
	TakeoverFail(address, reason string)
	TakeoverOtherClient(address, lastMutationHost, lastMutationUser string)
	EndTakeover()
}

// IChangeResultsReceiver receives the results of a change process
type IChangeResultsReceiver interface {
	IDiscoverResultsReceiver
	IPrepareResultsReceiver
	ICommitResultsReceiver
	IRollbackResultsReceiver
}

// IRecoveryResultsReceiver receives the results of a recovery process
type IRecoveryResultsReceiver interface {
	IDiscoverResultsReceiver
	ITakeoverResultsReceiver
	ICommitResultsReceiver
	IRollbackResultsReceiver
	DiscoverNotEnoughNodes(expected, actual int)
}

// IResultsReceiver receives the results of every process type
type IResultsReceiver interface {
	IChangeResultsReceiver
	IRecoveryResultsReceiver
}

// --------------------------------------------------------------------------
// Noop Receiver
// --------------------------------------------------------------------------

// NoopResultsReceiver ignores all results. Embed it to implement only the
// callbacks of interest.
type NoopResultsReceiver struct{}

var _ IResultsReceiver = NoopResultsReceiver{}

func (NoopResultsReceiver) StartDiscovery([]string)                                {}
func (NoopResultsReceiver) Discovered(string, *nomad.DiscoverResponse)             {}
func (NoopResultsReceiver) DiscoverFail(string, string)                            {}
func (NoopResultsReceiver) DiscoverAlreadyPrepared(string, string, string, string) {}
func (NoopResultsReceiver) DiscoverClusterInconsistent(string, []string, []string) {}
func (NoopResultsReceiver) DiscoverOtherClient(string, string, string)             {}
func (NoopResultsReceiver) DiscoverNotEnoughNodes(int, int)                        {}
func (NoopResultsReceiver) EndDiscovery()                                          {}
func (NoopResultsReceiver) StartSecondDiscovery()                                  {}
func (NoopResultsReceiver) DiscoverRepeated(string)                                {}
func (NoopResultsReceiver) EndSecondDiscovery()                                    {}
func (NoopResultsReceiver) StartPrepare(string)                                    {}
func (NoopResultsReceiver) Prepared(string)                                        {}
func (NoopResultsReceiver) PrepareFail(string, string)                             {}
func (NoopResultsReceiver) PrepareOtherClient(string, string, string)              {}
func (NoopResultsReceiver) PrepareChangeUnacceptable(string, string)               {}
func (NoopResultsReceiver) EndPrepare()                                            {}
func (NoopResultsReceiver) StartCommit()                                           {}
func (NoopResultsReceiver) Committed(string, bool)                                 {}
func (NoopResultsReceiver) CommitFail(string, string)                              {}
func (NoopResultsReceiver) CommitOtherClient(string, string, string)               {}
func (NoopResultsReceiver) EndCommit()                                             {}
func (NoopResultsReceiver) StartRollback()                                         {}
func (NoopResultsReceiver) RolledBack(string)                                      {}
func (NoopResultsReceiver) RollbackFail(string, string)                            {}
func (NoopResultsReceiver) RollbackOtherClient(string, string, string)             {}
func (NoopResultsReceiver) EndRollback()                                           {}
func (NoopResultsReceiver) StartTakeover()                                         {}
func (NoopResultsReceiver) TakenOver(string)                                       {}
func (NoopResultsReceiver) TakeoverFail(string, string)                            {}
func (NoopResultsReceiver) TakeoverOtherClient(string, string, string)             {}
func (NoopResultsReceiver) EndTakeover()                                           {}
func (NoopResultsReceiver) Done(Consistency)                                       {}

// --------------------------------------------------------------------------
// Logging Receiver
// --------------------------------------------------------------------------

// LoggingResultsReceiver logs every result through the package logger
type LoggingResultsReceiver struct{}

var _ IResultsReceiver = LoggingResultsReceiver{}

func (LoggingResultsReceiver) StartDiscovery(addresses []string) {
	Logger.Infof("discovering %d servers: %s", len(addresses), strings.Join(addresses, ", "))
}

func (LoggingResultsReceiver) Discovered(address string, r *nomad.DiscoverResponse) {
	Logger.Debugf("%s: mode=%s version=%d highest=%d count=%d latest=%s",
		address, r.Mode, r.CurrentVersion, r.HighestVersion, r.MutativeMessageCount, r.LatestChangeUUID())
}

func (LoggingResultsReceiver) DiscoverFail(address, reason string) {
	Logger.Errorf("%s: discovery failed: %s", address, reason)
}

func (LoggingResultsReceiver) DiscoverAlreadyPrepared(address, changeUUID, creationHost, creationUser string) {
	Logger.Warningf("%s: change %s created by %s@%s is still prepared", address, changeUUID, creationUser, creationHost)
}

func (LoggingResultsReceiver) DiscoverClusterInconsistent(changeUUID string, committed, rolledBack []string) {
	Logger.Errorf("cluster is inconsistent: change %s is committed on [%s] and rolled back on [%s]",
		changeUUID, strings.Join(committed, ", "), strings.Join(rolledBack, ", "))
}

func (LoggingResultsReceiver) DiscoverOtherClient(address, host, user string) {
	Logger.Warningf("%s: another client %s@%s is mutating the server", address, user, host)
}

func (LoggingResultsReceiver) DiscoverNotEnoughNodes(expected, actual int) {
	Logger.Errorf("recovery needs %d servers but only %d responded", expected, actual)
}

func (LoggingResultsReceiver) EndDiscovery() {
	Logger.Debugf("discovery done")
}

func (LoggingResultsReceiver) StartSecondDiscovery() {
	Logger.Debugf("repeating discovery")
}

func (LoggingResultsReceiver) DiscoverRepeated(address string) {
	Logger.Debugf("%s: unchanged since first discovery", address)
}

func (LoggingResultsReceiver) EndSecondDiscovery() {
	Logger.Debugf("second discovery done")
}

func (LoggingResultsReceiver) StartPrepare(changeUUID string) {
	Logger.Infof("preparing change %s", changeUUID)
}

func (LoggingResultsReceiver) Prepared(address string) {
	Logger.Infof("%s: prepared", address)
}

func (LoggingResultsReceiver) PrepareFail(address, reason string) {
	Logger.Errorf("%s: prepare failed: %s", address, reason)
}

func (LoggingResultsReceiver) PrepareOtherClient(address, host, user string) {
	Logger.Warningf("%s: prepare rejected, server is owned by %s@%s", address, user, host)
}

func (LoggingResultsReceiver) PrepareChangeUnacceptable(address, reason string) {
	Logger.Warningf("%s: change rejected: %s", address, reason)
}

func (LoggingResultsReceiver) EndPrepare() {}

func (LoggingResultsReceiver) StartCommit() {
	Logger.Infof("committing")
}

func (LoggingResultsReceiver) Committed(address string, requiresRestart bool) {
	if requiresRestart {
		Logger.Infof("%s: committed, restart required", address)
		return
	}
	Logger.Infof("%s: committed", address)
}

func (LoggingResultsReceiver) CommitFail(address, reason string) {
	Logger.Errorf("%s: commit failed: %s", address, reason)
}

func (LoggingResultsReceiver) CommitOtherClient(address, host, user string) {
	Logger.Errorf("%s: commit rejected, server is owned by %s@%s", address, user, host)
}

func (LoggingResultsReceiver) EndCommit() {}

func (LoggingResultsReceiver) StartRollback() {
	Logger.Infof("rolling back")
}

func (LoggingResultsReceiver) RolledBack(address string) {
	Logger.Infof("%s: rolled back", address)
}

func (LoggingResultsReceiver) RollbackFail(address, reason string) {
	Logger.Errorf("%s: rollback failed: %s", address, reason)
}

func (LoggingResultsReceiver) RollbackOtherClient(address, host, user string) {
	Logger.Errorf("%s: rollback rejected, server is owned by %s@%s", address, user, host)
}

func (LoggingResultsReceiver) EndRollback() {}

func (LoggingResultsReceiver) StartTakeover() {
	Logger.Infof("taking over prepared servers")
}

func (LoggingResultsReceiver) TakenOver(address string) {
	Logger.Infof("%s: taken over", address)
}

func (LoggingResultsReceiver) TakeoverFail(address, reason string) {
	Logger.Errorf("%s: takeover failed: %s", address, reason)
}

func (LoggingResultsReceiver) TakeoverOtherClient(address, host, user string) {
	Logger.Errorf("%s: takeover rejected, server is owned by %s@%s", address, user, host)
}

func (LoggingResultsReceiver) EndTakeover() {}

func (LoggingResultsReceiver) Done(consistency Consistency) {
	if consistency == Consistent {
		Logger.Infof("done: %s", consistency)
		return
	}
	Logger.Warningf("done: %s", consistency)
}

// --------------------------------------------------------------------------
// Mux Receiver
// --------------------------------------------------------------------------

// MuxResultsReceiver forwards every result to all receivers in order
type MuxResultsReceiver []IResultsReceiver

var _ IResultsReceiver = MuxResultsReceiver(nil)

func (m MuxResultsReceiver) each(fn func(r IResultsReceiver)) {
	for _, r := range m {
		fn(r)
	}
}

func (m MuxResultsReceiver) StartDiscovery(addresses []string) {
	m.each(func(r IResultsReceiver) { r.StartDiscovery(addresses) })
}

func (m MuxResultsReceiver) Discovered(address string, response *nomad.DiscoverResponse) {
	m.each(func(r IResultsReceiver) { r.Discovered(address, response) })
}

func (m MuxResultsReceiver) DiscoverFail(address, reason string) {
	m.each(func(r IResultsReceiver) { r.DiscoverFail(address, reason) })
}

func (m MuxResultsReceiver) DiscoverAlreadyPrepared(address, changeUUID, creationHost, creationUser string) {
	m.each(func(r IResultsReceiver) { r.DiscoverAlreadyPrepared(address, changeUUID, creationHost, creationUser) })
}

func (m MuxResultsReceiver) DiscoverClusterInconsistent(changeUUID string, committed, rolledBack []string) {
	m.each(func(r IResultsReceiver) { r.DiscoverClusterInconsistent(changeUUID, committed, rolledBack) })
}

func (m MuxResultsReceiver) DiscoverOtherClient(address, host, user string) {
	m.each(func(r IResultsReceiver) { r.DiscoverOtherClient(address, host, user) })
}

func (m MuxResultsReceiver) DiscoverNotEnoughNodes(expected, actual int) {
	m.each(func(r IResultsReceiver) { r.DiscoverNotEnoughNodes(expected, actual) })
}

func (m MuxResultsReceiver) EndDiscovery() {
	m.each(func(r IResultsReceiver) { r.EndDiscovery() })
}

func (m MuxResultsReceiver) StartSecondDiscovery() {
	m.each(func(r IResultsReceiver) { r.StartSecondDiscovery() })
}

func (m MuxResultsReceiver) DiscoverRepeated(address string) {
	m.each(func(r IResultsReceiver) { r.DiscoverRepeated(address) })
}

func (m MuxResultsReceiver) EndSecondDiscovery() {
	m.each(func(r IResultsReceiver) { r.EndSecondDiscovery() })
}

func (m MuxResultsReceiver) StartPrepare(changeUUID string) {
	m.each(func(r IResultsReceiver) { r.StartPrepare(changeUUID) })
}

func (m MuxResultsReceiver) Prepared(address string) {
	m.each(func(r IResultsReceiver) { r.Prepared(address) })
}

func (m MuxResultsReceiver) PrepareFail(address, reason string) {
	m.each(func(r IResultsReceiver) { r.PrepareFail(address, reason) })
}

func (m MuxResultsReceiver) PrepareOtherClient(address, host, user string) {
	m.each(func(r IResultsReceiver) { r.PrepareOtherClient(address, host, user) })
}

func (m MuxResultsReceiver) PrepareChangeUnacceptable(address, reason string) {
	m.each(func(r IResultsReceiver) { r.PrepareChangeUnacceptable(address, reason) })
}

func (m MuxResultsReceiver) EndPrepare() {
	m.each(func(r IResultsReceiver) { r.EndPrepare() })
}

func (m MuxResultsReceiver) StartCommit() {
	m.each(func(r IResultsReceiver) { r.StartCommit() })
}

func (m MuxResultsReceiver) Committed(address string, requiresRestart bool) {
	m.each(func(r IResultsReceiver) { r.Committed(address, requiresRestart) })
}

func (m MuxResultsReceiver) CommitFail(address, reason string) {
	m.each(func(r IResultsReceiver) { r.CommitFail(address, reason) })
}

func (m MuxResultsReceiver) CommitOtherClient(address, host, user string) {
	m.each(func(r IResultsReceiver) { r.CommitOtherClient(address, host, user) })
}

func (m MuxResultsReceiver) EndCommit() {
	m.each(func(r IResultsReceiver) { r.EndCommit() })
}

func (m MuxResultsReceiver) StartRollback() {
	m.each(func(r IResultsReceiver) { r.StartRollback() })
}

func (m MuxResultsReceiver) RolledBack(address string) {
	m.each(func(r IResultsReceiver) { r.RolledBack(address) })
}

func (m MuxResultsReceiver) RollbackFail(address, reason string) {
	m.each(func(r IResultsReceiver) { r.RollbackFail(address, reason) })
}

func (m MuxResultsReceiver) RollbackOtherClient(address, host, user string) {
	m.each(func(r IResultsReceiver) { r.RollbackOtherClient(address, host, user) })
}

func (m MuxResultsReceiver) EndRollback() {
	m.each(func(r IResultsReceiver) { r.EndRollback() })
}

func (m MuxResultsReceiver) StartTakeover() {
	m.each(func(r IResultsReceiver) { r.StartTakeover() })
}

func (m MuxResultsReceiver) TakenOver(address string) {
	m.each(func(r IResultsReceiver) { r.TakenOver(address) })
}

func (m MuxResultsReceiver) TakeoverFail(address, reason string) {
	m.each(func(r IResultsReceiver) { r.TakeoverFail(address, reason) })
}

func (m MuxResultsReceiver) TakeoverOtherClient(address, host, user string) {
	m.each(func(r IResultsReceiver) { r.TakeoverOtherClient(address, host, user) })
}

func (m MuxResultsReceiver) EndTakeover() {
	m.each(func(r IResultsReceiver) { r.EndTakeover() })
}

func (m MuxResultsReceiver) Done(consistency Consistency) {
	m.each(func(r IResultsReceiver) { r.Done(consistency) })
}
