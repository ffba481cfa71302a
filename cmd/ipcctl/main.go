// File: cmd/ipcctl/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ipcctl is a command-line client for IPC servers: it invokes services,
// checks reachability and prints event streams.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "ipcctl",
		Short:         "IPC client tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := root.PersistentFlags()
	f.StringVarP(&opts.config, "config", "c", "", "YAML configuration file")
	f.StringVar(&opts.socketDir, "socket-dir", "", "directory holding channel sockets")
	f.StringVarP(&opts.address, "address", "a", "", "server address (channel[@host:port])")
	f.DurationVarP(&opts.timeout, "timeout", "t", 0, "per-operation timeout")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "enable logging to stderr")

	root.AddCommand(
		newInvokeCmd(opts),
		newPingCmd(opts),
		newListenCmd(opts),
		newStatsCmd(opts),
	)
	return root
}
