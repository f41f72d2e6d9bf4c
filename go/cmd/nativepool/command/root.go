// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package command

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/multigres/nativepool/go/mterrors"
	"github.com/multigres/nativepool/go/native"
	"github.com/multigres/nativepool/go/native/pgxnative"
	"github.com/multigres/nativepool/go/pool"
	"github.com/multigres/nativepool/go/servenv"
)

const defaultEnvFile = ".env"

// NativepoolCommand holds the state shared by the nativepool commands.
type NativepoolCommand struct {
	v      *viper.Viper
	fs     afero.Fs
	lg     *servenv.Logger
	driver native.Driver

	configFile string
	envFile    string
	poolName   string

	// cfg is loaded before any subcommand runs.
	cfg pool.Config
}

// GetRootCommand creates and returns the root command for nativepool with
// all subcommands.
func GetRootCommand() *cobra.Command {
	return newRootCommand(&pgxnative.Driver{})
}

func newRootCommand(driver native.Driver) *cobra.Command {
	v := viper.New()
	nc := &NativepoolCommand{
		v:      v,
		fs:     afero.NewOsFs(),
		lg:     servenv.NewLogger(v),
		driver: driver,
	}

	root := &cobra.Command{
		Use:   "nativepool",
		Short: "Run statements through a pool of native database sessions",
		Long: `nativepool opens a pool of native PostgreSQL sessions and runs work through it.

Configuration is read in this order, later sources winning:
  1. Built-in defaults
  2. The file given by --config-file (yaml, json or toml)
  3. NATIVEPOOL_* environment variables, including those loaded from --env-file
  4. Command line flags`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Flag errors still print usage since they fail before this runs.
			cmd.SilenceUsage = true
			return nc.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return nc.lg.Close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&nc.configFile, "config-file", "", "Pool configuration file")
	flags.StringVar(&nc.envFile, "env-file", defaultEnvFile, "File of environment variables loaded before the configuration")
	flags.StringVar(&nc.poolName, "pool-name", "nativepool", "Pool name reported in metrics and logs")
	pool.RegisterFlags(flags, v)
	nc.lg.RegisterFlags(flags)

	root.AddCommand(nc.configCommand())
	root.AddCommand(nc.runCommand())
	root.AddCommand(nc.serveCommand())
	return root
}

// load reads the environment file and the configuration and sets up
// logging.
func (nc *NativepoolCommand) load(cmd *cobra.Command) error {
	if err := godotenv.Load(nc.envFile); err != nil {
		// A missing default file is fine, a missing explicit one is not.
		if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("env-file") {
			return mterrors.Wrap(err, "loading "+nc.envFile)
		}
	}

	cfg, err := pool.LoadConfig(nc.fs, nc.configFile, nc.v)
	if err != nil {
		return err
	}
	nc.cfg = cfg
	return nc.lg.SetupLogging()
}

func (nc *NativepoolCommand) logger() *slog.Logger {
	return nc.lg.GetLogger()
}

// openPool opens a pool with the loaded configuration.
func (nc *NativepoolCommand) openPool(ctx context.Context) (*pool.Pool, error) {
	logger := nc.logger()
	if d, ok := nc.driver.(*pgxnative.Driver); ok && d.Logger == nil {
		d.Logger = logger
	}
	return pool.Open(ctx, nc.cfg, nc.driver, pool.WithLogger(logger), pool.WithName(nc.poolName))
}
