package main

import (
	"context"
	"fmt"
	"os"

	"github.com/unkn0wn-root/lbsync"
	"github.com/unkn0wn-root/lbsync/cmd/lbsync/commands"
	"github.com/unkn0wn-root/lbsync/internal/log"
)

func main() {
	conf := lbsync.DefaultConfig()
	logger, err := log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lbsync:", err)
		os.Exit(commands.ExitFailure)
	}

	rootCmd := commands.RootCommand(&conf, logger)
	rootCmd.AddCommand(
		commands.MonitorCommand(&conf, logger),
		commands.VersionCmd,
	)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.Error("lbsync failed", "err", err)
		os.Exit(commands.ExitCode(err))
	}
}
