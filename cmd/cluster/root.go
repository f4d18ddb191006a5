package cluster

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValentinKolb/dNomad/cmd/util"
	"github.com/ValentinKolb/dNomad/lib/nomad/client"
	"github.com/ValentinKolb/dNomad/rpc/common"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	nomadClient *client.NomadClient
	cluster     *util.Cluster

	// Commands are the client commands, each talks to all servers of the cluster
	Commands = []*cobra.Command{discoverCmd, setCmd, unsetCmd, recoverCmd, resetCmd}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	for _, cmd := range Commands {
		util.SetupRPCClientFlags(cmd)
		cmd.PersistentFlags().Bool("metrics", false, util.WrapString("Print the duration of each phase when done"))
		cmd.PersistentFlags().String("log-level", "warn", util.WrapString("Level of the progress log written to stderr (debug, info, warn, error)"))
		cmd.PersistentPreRunE = setupNomadClient
		cmd.PersistentPostRunE = closeNomadClient
	}
}

// setupNomadClient creates the nomad client with one RPC endpoint per server
func setupNomadClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// progress goes to stderr, results to stdout
	common.SetLogOutput(os.Stderr)
	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return err
	}

	var err error
	cluster, err = util.GetCluster()
	if err != nil {
		return err
	}

	endpoints, err := cluster.Endpoints()
	if err != nil {
		return err
	}

	opts := client.DefaultOptions()
	if user := viper.GetString("user"); user != "" {
		opts.User = user
	}
	opts.Timeout = time.Duration(viper.GetInt("timeout")) * time.Second
	opts.MaxConcurrency = viper.GetInt("max-concurrency")
	opts.Registry = metrics.NewRegistry()

	nomadClient, err = client.NewNomadClient(endpoints, opts)
	if err != nil {
		for _, e := range endpoints {
			_ = e.Close()
		}
		return err
	}
	return nil
}

func closeNomadClient(cmd *cobra.Command, _ []string) error {
	if nomadClient == nil {
		return nil
	}
	if viper.GetBool("metrics") {
		printMetrics(cmd.OutOrStdout(), nomadClient.Metrics())
	}
	return nomadClient.Close()
}

// commandContext is cancelled on SIGINT or SIGTERM
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// results combines the progress log with the console output
func results(console *consoleResultsReceiver) client.IResultsReceiver {
	return client.MuxResultsReceiver{client.LoggingResultsReceiver{}, console}
}

// consistencyError turns an unsuccessful outcome into the exit status
func consistencyError(c client.Consistency) error {
	if c == client.Consistent {
		return nil
	}
	return fmt.Errorf("process ended %s", c)
}
