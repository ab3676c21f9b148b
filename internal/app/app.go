// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package app is the mailwatch command line.
package app

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/matta/mailwatch/internal/config"
	"github.com/matta/mailwatch/internal/homedir"
)

// env is the state shared by every command: the viper instance the
// flags are bound to, the logger, and the configuration once loaded.
type env struct {
	v       *viper.Viper
	logger  *logrus.Logger
	cfgFile string
	cfg     *config.Config
}

func (e *env) log() *logrus.Entry {
	return logrus.NewEntry(e.logger)
}

// load reads the configuration file, if any, and decodes the result.
// Without --config the file is mailwatch.yaml in the working directory
// or the data directory, and a missing file is not an error.
func (e *env) load() error {
	dataDir := homedir.DataDir()
	config.SetDefaults(e.v, dataDir)
	config.BindEnv(e.v)

	if e.cfgFile != "" {
		e.v.SetConfigFile(e.cfgFile)
	} else {
		e.v.SetConfigName("mailwatch")
		e.v.SetConfigType("yaml")
		e.v.AddConfigPath(".")
		e.v.AddConfigPath(dataDir)
	}
	if err := e.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if e.cfgFile != "" || !errors.As(err, &notFound) {
			return errors.Wrap(err, "reading configuration")
		}
	}

	cfg, err := config.Load(e.v)
	if err != nil {
		return err
	}
	if err := cfg.ConfigureLogger(e.logger); err != nil {
		return err
	}
	e.cfg = cfg
	if used := e.v.ConfigFileUsed(); used != "" {
		e.log().WithField("file", used).Debug("using config file")
	}
	return nil
}

// watchConfig applies log setting changes made to the configuration
// file while the process runs.  Other settings need a restart.
func (e *env) watchConfig() {
	if e.v.ConfigFileUsed() == "" {
		return
	}
	e.v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		log := e.log().WithFields(logrus.Fields{"event": "config.reloaded", "file": ev.Name})
		if err := config.ApplyLog(e.logger, e.v.GetString("log.level"), e.v.GetString("log.format")); err != nil {
			log.WithError(err).Warn("ignoring log settings")
			return
		}
		log.Info("configuration reloaded")
	})
	e.v.WatchConfig()
}

// NewRootCommand builds the command tree around a fresh viper instance.
func NewRootCommand() *cobra.Command {
	e := &env{v: viper.New(), logger: logrus.New()}
	e.logger.SetOutput(os.Stderr)

	root := &cobra.Command{
		Use:   "mailwatch",
		Short: "Watch GMail mailboxes and forward new mail for triage",
		Long: "mailwatch keeps GMail push watches alive, reconciles push and pull " +
			"notifications against a stored history cursor, and forwards each new " +
			"message to the triage service and to the principal's live listeners.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.load()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&e.cfgFile, "config", "", "configuration file (default mailwatch.yaml in . or the data directory)")
	flags.String("log-level", "info", "log level")
	flags.String("store-driver", config.DriverSQLite, "watch store: sqlite, postgres or memory")
	flags.String("store-url", "", "postgres connection URL")
	for key, flag := range map[string]string{
		"log.level":    "log-level",
		"store.driver": "store-driver",
		"store.url":    "store-url",
	} {
		if err := e.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(
		newServeCommand(e),
		newWatchCommand(e),
		newSweepCommand(e),
		newPullCommand(e),
		newHealthCommand(e),
		newStopAllCommand(e),
		newOrphansCommand(e),
		newCredentialsCommand(e),
	)
	return root
}

// Execute runs the command line and exits on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
