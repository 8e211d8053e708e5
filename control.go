package main

import (
	"syscall"

	"github.com/spf13/cobra"
)

func newReloadCmd() *cobra.Command {
	return newSignalCmd("reload", "Ask the running daemon to reload its config file",
		syscall.SIGHUP, "Notified running daemon to reload config\n")
}

func newBackgroundCmd() *cobra.Command {
	return newSignalCmd("background", "Tell the running daemon the app moved to the background",
		syscall.SIGUSR1, "Daemon switched to background counting\n")
}

func newForegroundCmd() *cobra.Command {
	return newSignalCmd("foreground", "Tell the running daemon the app returned to the foreground",
		syscall.SIGUSR2, "Daemon returned to the foreground\n")
}

// newSignalCmd builds a command that delivers sig to the daemon found
// through the PID file.
func newSignalCmd(use, short string, sig syscall.Signal, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := signalDaemon(pidFilePath(cc.Cfg), sig); err != nil {
				return err
			}

			cc.Statusf("%s", done)

			return nil
		},
	}
}
