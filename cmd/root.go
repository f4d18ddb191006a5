package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dNomad/cmd/cluster"
	"github.com/ValentinKolb/dNomad/cmd/serve"
	"github.com/ValentinKolb/dNomad/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dnomad",
		Short: "consistent configuration changes across a cluster",
		Long: fmt.Sprintf(`dNomad (v%s)

Applies configuration changes to every server of a cluster with a two phase
commit. Each server persists its state in an append-only log, so interrupted
changes can be discovered and recovered.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dNomad",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dNomad v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(cluster.Commands...)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (json, gob, binary)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (http, tcp, unix, grpc)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
