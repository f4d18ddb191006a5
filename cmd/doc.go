// Package cmd implements the command-line interface of dNomad. It provides a
// command structure for running a server and for changing the configuration
// of a cluster as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Command for starting and configuring a dNomad server
//   - cluster: Client commands (discover, set, unset, recover, reset) that talk
//     to every server of a cluster
//   - util: Shared utilities for command-line processing, configuration and the
//     cluster file (internal use)
//
// All flags can also be set as environment variables with the DNOMAD_ prefix
// (e.g. DNOMAD_SERVERS), .env and .env.local are loaded on startup.
//
// See dnomad -help for a list of all commands.
package cmd
