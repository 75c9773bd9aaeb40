package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/unkn0wn-root/lbsync"
	"github.com/unkn0wn-root/lbsync/internal/log"
)

const envPrefix = "LBSYNC"

// Exit codes.
const (
	ExitFailure     = 1
	ExitUnknownMode = 3
)

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	if errors.Is(err, lbsync.ErrUnknownMode) {
		return ExitUnknownMode
	}
	return ExitFailure
}

// ParseConfig overlays viper's view of flags, environment and config file on
// conf.
func ParseConfig(conf *lbsync.Config) error {
	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("error in config: %w", err)
	}
	return nil
}

// RootCommand constructs the lbsync entry point. It runs the synchroniser
// when given positional arguments.
func RootCommand(conf *lbsync.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lbsync <store host:port|bolt:path> <credential> <sid> <port> [modes...]",
		Short: "Synchronise bundles with neighbours over a low-bandwidth radio link",
		Long: `lbsync reads frames from a packet radio (serial device or udp:local,remote),
reassembles bundles sent by neighbours into the local bundle store and
announces the store's own bundles back at a congestion-adaptive rate.

Modes: monitor meshmsonly minversion=<ms|yyyy/mm/dd> timeslave timemaster
udptime timebroadcast=<addr> nopriority nohttpd and the debug subsystems
radio pieces announce insert radio_rx sync sync_keys bundlelog pull
message_pieces logrejects.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MinimumNArgs(4),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == VersionCmd.Name() {
				return nil
			}
			if err := bindFlagsLoadViper(cmd); err != nil {
				return err
			}
			if err := ParseConfig(conf); err != nil {
				return err
			}
			return log.OverrideWithNewLogger(logger, conf.LogFormat, conf.LogLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ApplyRunArgs(conf, args); err != nil {
				return err
			}
			return Serve(cmd.Context(), *conf, logger)
		},
	}
	pf := cmd.PersistentFlags()
	pf.String("config", "", "config file (toml, yaml or json)")
	pf.String("log-level", conf.LogLevel, "log level (debug|info|error)")
	pf.String("log-format", conf.LogFormat, "log format (plain|json)")
	pf.String("framing", conf.Framing, "radio framing (line|kiss)")
	pf.Bool("fec", conf.FEC, "protect frames with Reed-Solomon coding")
	pf.String("status.http-addr", conf.Status.HTTPAddr, "status and metrics listen address")
	pf.String("status.file", conf.Status.File, "write a status snapshot to this file")
	pf.String("time.listen", conf.Time.Listen, "UDP time-sync listen address")
	pf.Duration("store.timeout", conf.Store.Timeout, "bundle store request timeout")
	pf.Bool("tree-nodes", conf.TreeNodes, "exchange XOR tree summaries")
	cobra.OnInitialize(func() { initEnv(envPrefix) })
	return cmd
}

func initEnv(prefix string) {
	viper.SetEnvPrefix(prefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func bindFlagsLoadViper(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	file := viper.GetString("config")
	if file == "" {
		return nil
	}
	viper.SetConfigFile(file)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", file, err)
	}
	return nil
}

// ApplyRunArgs folds the positional arguments of the run form into conf.
func ApplyRunArgs(conf *lbsync.Config, args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("%w: need <store> <credential> <sid> <port>", lbsync.ErrInvalidConfig)
	}
	if path, ok := strings.CutPrefix(args[0], "bolt:"); ok {
		conf.Store.Addr, conf.Store.BoltPath = "", path
	} else {
		conf.Store.Addr = args[0]
	}
	conf.Store.Credential = args[1]
	sid, err := lbsync.ParseSID(args[2])
	if err != nil {
		return err
	}
	conf.SID = sid
	conf.Port = args[3]
	return conf.ApplyModes(args[4:])
}
