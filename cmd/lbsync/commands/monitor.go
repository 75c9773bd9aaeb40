package commands

import (
	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/lbsync"
	"github.com/unkn0wn-root/lbsync/internal/log"
)

// MonitorCommand listens on a radio and logs every frame without ever
// transmitting or touching a bundle store.
func MonitorCommand(conf *lbsync.Config, logger log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor <port> [modes...]",
		Short: "Decode and log radio traffic without transmitting",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf.Port = args[0]
			if err := conf.ApplyModes(append([]string{"monitor"}, args[1:]...)); err != nil {
				return err
			}
			return Serve(cmd.Context(), *conf, logger)
		},
	}
}
