package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
	"github.com/influxdata/translog/kit/cli"
	"github.com/influxdata/translog/logger"
	"github.com/influxdata/translog/pkg/executor"
	"github.com/influxdata/translog/storage/fileheader"
	"github.com/influxdata/translog/storage/tlog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	configPath string
	dir        string
	logLevel   zapcore.Level
	logFormat  string

	storage tlog.Config
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
}

// fileConfig is the layout of the TOML config file. Top level keys mirror
// the global flags.
type fileConfig struct {
	Storage tlog.Config `toml:"storage"`
}

func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if home, err = os.Getwd(); err != nil {
			return ".tlog"
		}
	}
	return filepath.Join(home, ".tlog")
}

// NewCommand returns the root tlog command.
func NewCommand(v *viper.Viper, stdin io.Reader, stdout, stderr io.Writer) (*cobra.Command, error) {
	o := &globalOptions{stdin: stdin, stdout: stdout, stderr: stderr}
	opts := []cli.Opt{
		{
			DestP:      &o.dir,
			Flag:       "dir",
			Default:    defaultDir(),
			Desc:       "directory holding the domains",
			Persistent: true,
		},
		{
			DestP:      &o.logLevel,
			Flag:       "log-level",
			Default:    zapcore.WarnLevel,
			Desc:       "supported log levels are debug, info, warn and error",
			Persistent: true,
		},
		{
			DestP:      &o.logFormat,
			Flag:       "log-format",
			Default:    "auto",
			Desc:       "log output format: auto, console, logfmt or json",
			Persistent: true,
		},
	}

	cmd := &cobra.Command{
		Use:           "tlog",
		Short:         "Inspect and operate on transaction logs",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.load(v, cmd, opts)
		},
	}
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.PersistentFlags().StringVar(&o.configPath, "config", "", "path to a TOML config file")

	cli.SetupEnv(v, "tlog")
	if err := cli.BindOptions(v, cmd, opts); err != nil {
		return nil, err
	}

	cmd.AddCommand(
		newAppendCommand(o),
		newReplayCommand(o),
		newInfoCommand(o),
		newPruneCommand(o),
		newDumpCommand(o),
	)
	return cmd, nil
}

// load resolves the global options and attaches a logger to the command
// context.
func (o *globalOptions) load(v *viper.Viper, cmd *cobra.Command, opts []cli.Opt) error {
	o.storage = tlog.NewConfig()
	if o.configPath != "" {
		v.SetConfigFile(o.configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", o.configPath, err)
		}
		fc := fileConfig{Storage: o.storage}
		if _, err := toml.DecodeFile(o.configPath, &fc); err != nil {
			return fmt.Errorf("parse config %s: %w", o.configPath, err)
		}
		if err := fc.Storage.Validate(); err != nil {
			return fmt.Errorf("invalid storage config: %w", err)
		}
		o.storage = fc.Storage
	}
	if err := cli.LoadOptions(v, opts); err != nil {
		return err
	}

	lc := logger.Config{Format: o.logFormat, Level: o.logLevel}
	log, err := lc.New(o.stderr)
	if err != nil {
		return err
	}
	cmd.SetContext(logger.NewContextWithLogger(cmd.Context(), log))
	return nil
}

// openStore opens the store below the configured directory. The returned
// function closes the store and its executor. m may be nil.
func (o *globalOptions) openStore(log *zap.Logger, m *tlog.Metrics) (*tlog.Store, func() error, error) {
	exec := executor.NewPool("tlog", runtime.GOMAXPROCS(0), 1024)
	exec.WithLogger(log)

	s := tlog.NewStore(o.dir, exec, o.storage, fileheader.DefaultContext{Creator: "tlog"})
	s.WithLogger(log)
	s.WithMetrics(m)
	if err := s.Open(); err != nil {
		exec.Close()
		return nil, nil, err
	}
	return s, func() error {
		err := s.Close()
		exec.Close()
		return err
	}, nil
}
