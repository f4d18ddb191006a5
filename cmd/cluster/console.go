package cluster

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ValentinKolb/dNomad/lib/nomad/client"
	"github.com/rcrowley/go-metrics"
)

// consoleResultsReceiver collects what the user has to know about a process
// and prints it as summary when the process is done
type consoleResultsReceiver struct {
	client.NoopResultsReceiver

	w          io.Writer
	changeUUID string
	committed  []string
	rolledBack []string
	restart    []string
	problems   []string
}

func newConsoleResultsReceiver(w io.Writer) *consoleResultsReceiver {
	return &consoleResultsReceiver{w: w}
}

func (r *consoleResultsReceiver) problem(format string, args ...any) {
	r.problems = append(r.problems, fmt.Sprintf(format, args...))
}

func (r *consoleResultsReceiver) DiscoverFail(address, reason string) {
	r.problem("%s: discovery failed: %s", address, reason)
}

func (r *consoleResultsReceiver) DiscoverAlreadyPrepared(address, changeUUID, host, user string) {
	r.problem("%s: change %s by %s@%s is still prepared, run recover", address, changeUUID, user, host)
}

func (r *consoleResultsReceiver) DiscoverClusterInconsistent(changeUUID string, committed, rolledBack []string) {
	r.problem("change %s is committed on [%s] but rolled back on [%s]",
		changeUUID, strings.Join(committed, ", "), strings.Join(rolledBack, ", "))
}

func (r *consoleResultsReceiver) DiscoverOtherClient(address, host, user string) {
	r.problem("%s: concurrently modified by %s@%s", address, user, host)
}

func (r *consoleResultsReceiver) DiscoverNotEnoughNodes(expected, actual int) {
	r.problem("only %d of %d expected servers responded", actual, expected)
}

func (r *consoleResultsReceiver) StartPrepare(changeUUID string) {
	r.changeUUID = changeUUID
}

func (r *consoleResultsReceiver) PrepareFail(address, reason string) {
	r.problem("%s: prepare failed: %s", address, reason)
}

func (r *consoleResultsReceiver) PrepareOtherClient(address, host, user string) {
	r.problem("%s: prepare rejected, server is owned by %s@%s", address, user, host)
}

func (r *consoleResultsReceiver) PrepareChangeUnacceptable(address, reason string) {
	r.problem("%s: change rejected: %s", address, reason)
}

func (r *consoleResultsReceiver) Committed(address string, requiresRestart bool) {
	r.committed = append(r.committed, address)
	if requiresRestart {
		r.restart = append(r.restart, address)
	}
}

func (r *consoleResultsReceiver) CommitFail(address, reason string) {
	r.problem("%s: commit failed: %s", address, reason)
}

func (r *consoleResultsReceiver) CommitOtherClient(address, host, user string) {
	r.problem("%s: commit rejected, server is owned by %s@%s", address, user, host)
}

func (r *consoleResultsReceiver) RolledBack(address string) {
	r.rolledBack = append(r.rolledBack, address)
}

func (r *consoleResultsReceiver) RollbackFail(address, reason string) {
	r.problem("%s: rollback failed: %s", address, reason)
}

func (r *consoleResultsReceiver) RollbackOtherClient(address, host, user string) {
	r.problem("%s: rollback rejected, server is owned by %s@%s", address, user, host)
}

func (r *consoleResultsReceiver) TakeoverFail(address, reason string) {
	r.problem("%s: takeover failed: %s", address, reason)
}

func (r *consoleResultsReceiver) TakeoverOtherClient(address, host, user string) {
	r.problem("%s: takeover rejected, server is owned by %s@%s", address, user, host)
}

func (r *consoleResultsReceiver) Done(consistency client.Consistency) {
	if r.changeUUID != "" {
		fmt.Fprintf(r.w, "%-12s %s\n", "change", r.changeUUID)
	}
	if len(r.committed) > 0 {
		fmt.Fprintf(r.w, "%-12s %s\n", "committed", strings.Join(r.committed, ", "))
	}
	if len(r.rolledBack) > 0 {
		fmt.Fprintf(r.w, "%-12s %s\n", "rolled back", strings.Join(r.rolledBack, ", "))
	}
	if len(r.restart) > 0 {
		fmt.Fprintf(r.w, "%-12s %s\n", "restart", strings.Join(r.restart, ", "))
	}
	fmt.Fprintf(r.w, "%-12s %s\n", "result", consistency)
	for _, p := range r.problems {
		fmt.Fprintf(r.w, "  - %s\n", p)
	}
	if consistency == client.MayNeedRecovery {
		fmt.Fprintln(r.w, "run 'dnomad recover' once all servers are reachable")
	}
}

// printMetrics prints the phase timers and failure counters of the client
func printMetrics(w io.Writer, registry metrics.Registry) {
	var lines []string
	registry.Each(func(name string, m interface{}) {
		switch metric := m.(type) {
		case metrics.Timer:
			t := metric.Snapshot()
			lines = append(lines, fmt.Sprintf("%-32s count=%d mean=%s max=%s", name, t.Count(),
				time.Duration(t.Mean()).Round(time.Microsecond), time.Duration(t.Max()).Round(time.Microsecond)))
		case metrics.Counter:
			lines = append(lines, fmt.Sprintf("%-32s count=%d", name, metric.Count()))
		}
	})
	sort.Strings(lines)

	fmt.Fprintln(w, "\nMETRICS")
	for _, line := range lines {
		fmt.Fprintf(w, "  %s\n", line)
	}
}
