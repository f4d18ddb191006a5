package cluster

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ValentinKolb/dNomad/lib/nomad"
	"github.com/ValentinKolb/dNomad/lib/nomad/client"
	"github.com/ValentinKolb/dNomad/lib/settings"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	discoverCmd = &cobra.Command{
		Use:   "discover",
		Short: "Show the nomad state of every server and of the cluster",
		Args:  cobra.NoArgs,
		RunE:  runDiscover,
	}
	setCmd = &cobra.Command{
		Use:   "set [key=value]...",
		Short: "Sets settings on all servers with a two phase commit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops := make([]settings.Operation, 0, len(args))
			for _, arg := range args {
				op, err := settings.ParseAssignment(arg)
				if err != nil {
					return err
				}
				ops = append(ops, op)
			}
			return applyChange(cmd, ops)
		},
	}
	unsetCmd = &cobra.Command{
		Use:   "unset [key]...",
		Short: "Removes settings from all servers with a two phase commit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops := make([]settings.Operation, 0, len(args))
			for _, key := range args {
				ops = append(ops, settings.Unset(key))
			}
			return applyChange(cmd, ops)
		},
	}
	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Finishes a change that was left prepared",
		Long: `Takes over every server with a prepared change and commits or rolls it back.
Without --forced-state the change is committed if any server already committed it, otherwise it is rolled back.`,
		Args: cobra.NoArgs,
		RunE: runRecover,
	}
	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Deletes the nomad state of every server (administrative use only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !viper.GetBool("yes") {
				return fmt.Errorf("reset deletes all changes of all servers, confirm with --yes")
			}
			ctx, cancel := commandContext()
			defer cancel()
			if err := nomadClient.Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reset successfully")
			return nil
		},
	}
)

func init() {
	recoverCmd.Flags().Int("expected-nodes", 0, "Number of servers that must respond (defaults to the cluster file or all servers)")
	recoverCmd.Flags().String("forced-state", "", "Force the outcome of the prepared change (COMMITTED or ROLLED_BACK)")
	resetCmd.Flags().Bool("yes", false, "Confirm the reset")
}

func applyChange(cmd *cobra.Command, ops []settings.Operation) error {
	change, err := settings.NewChange(ops...)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	console := newConsoleResultsReceiver(cmd.OutOrStdout())
	return consistencyError(nomadClient.TryApplyChange(ctx, change, results(console)))
}

func runRecover(cmd *cobra.Command, _ []string) error {
	expected := viper.GetInt("expected-nodes")
	if expected == 0 {
		expected = cluster.ExpectedNodes
	}
	if expected == 0 {
		expected = len(cluster.Servers)
	}

	forcedState := nomad.ChangeRequestState(strings.ToUpper(viper.GetString("forced-state")))

	ctx, cancel := commandContext()
	defer cancel()

	console := newConsoleResultsReceiver(cmd.OutOrStdout())
	consistency, err := nomadClient.TryRecovery(ctx, expected, forcedState, results(console))
	if err != nil {
		return err
	}
	return consistencyError(consistency)
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	analyzer := nomadClient.Discover(ctx, client.LoggingResultsReceiver{})
	printDiscovery(cmd.OutOrStdout(), nomadClient.Addresses(), analyzer)
	return nil
}

// printDiscovery prints one line per server followed by the cluster state
func printDiscovery(w io.Writer, addresses []string, analyzer *client.ConsistencyAnalyzer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tMODE\tVERSION\tHIGHEST\tMUTATIONS\tLAST MUTATION\tLATEST CHANGE")
	for _, address := range addresses {
		resp, ok := analyzer.Response(address)
		if !ok {
			fmt.Fprintf(tw, "%s\tUNREACHABLE\t-\t-\t-\t-\t-\n", address)
			continue
		}
		lastMutation := "-"
		if resp.LastMutationUser != "" {
			lastMutation = fmt.Sprintf("%s@%s %s", resp.LastMutationUser, resp.LastMutationHost,
				resp.LastMutationTimestamp.Format(time.RFC3339))
		}
		latest := "-"
		if resp.LatestChange != nil {
			latest = fmt.Sprintf("%s %s (%s)", resp.LatestChange.UUID, resp.LatestChange.State, resp.LatestChange.Change.Summary)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n", address, resp.Mode, resp.CurrentVersion,
			resp.HighestVersion, resp.MutativeMessageCount, lastMutation, latest)
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\n%-12s %s\n", "cluster", analyzer.GlobalState())
	if checkpoint, ok := analyzer.Checkpoint(); ok {
		fmt.Fprintf(w, "%-12s version %d, change %s\n", "checkpoint", checkpoint.Version, checkpoint.UUID)
	}
	if reason := analyzer.DiscoverFailure(); reason != "" {
		fmt.Fprintf(w, "%-12s %s\n", "failure", reason)
	}
	if analyzer.InconsistentChangeUUID != "" {
		fmt.Fprintf(w, "%-12s change %s committed on [%s], rolled back on [%s]\n", "inconsistent",
			analyzer.InconsistentChangeUUID, strings.Join(analyzer.CommittedNodes, ", "), strings.Join(analyzer.RolledBackNodes, ", "))
	}
	if analyzer.NodeProcessingOtherClient != "" {
		fmt.Fprintf(w, "%-12s %s is used by %s@%s\n", "concurrent", analyzer.NodeProcessingOtherClient,
			analyzer.OtherClientUser, analyzer.OtherClientHost)
	}

	// the settings the whole cluster agrees on
	if len(addresses) > 0 {
		if resp, ok := analyzer.Response(addresses[0]); ok && resp.CommittedConfig != "" {
			if current, err := settings.ParseConfig(resp.CommittedConfig); err == nil {
				fmt.Fprintf(w, "\nSETTINGS (%s)\n%s", addresses[0], settings.FormatConfig(current))
			}
		}
	}
}
