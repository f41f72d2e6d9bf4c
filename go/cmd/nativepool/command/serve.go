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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/multigres/nativepool/go/pool"
	"github.com/multigres/nativepool/go/servenv"
)

func (nc *NativepoolCommand) serveCommand() *cobra.Command {
	env := servenv.NewEnv(nil)
	var status bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep a pool open and report its state until signalled",
		Long: `Open a pool, keep its floor of sessions alive with heartbeats and print
status documents until SIGINT or SIGTERM.

When --config-file is set the file is watched. Valid changes reconfigure
the running pool; the connection string and tick are fixed at startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env.Logger = nc.logger()
			return nc.serve(cmd, env, status)
		},
	}
	cmd.Flags().BoolVar(&status, "status", true, "Print a status document on every pool state change")
	env.RegisterFlags(cmd.Flags())
	return cmd
}

func (nc *NativepoolCommand) serve(cmd *cobra.Command, env *servenv.Env, status bool) (err error) {
	ctx := cmd.Context()
	logger := nc.logger()
	out := newPrinter(cmd.OutOrStdout())
	defer func() {
		err = errors.Join(err, out.close())
	}()

	p, err := nc.openPool(ctx)
	if err != nil {
		return err
	}
	if status {
		remove := p.OnStatus(func(st pool.Status) {
			out.print(document{Status: &st})
		})
		env.OnTerm(remove)
	}
	p.OnError(func(err error) {
		logger.Warn("pool error", "pool", p.ID(), "error", err)
	})

	if nc.configFile != "" {
		pool.WatchConfig(nc.v, logger, func(cfg pool.Config) {
			if err := p.Reconfigure(cfg); err != nil {
				logger.Warn("pool reconfiguration rejected", "error", err)
			}
		})
	}

	var closeErr error
	env.OnClose(func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), env.OnCloseTimeout)
		defer cancel()
		closeErr = p.Close(closeCtx)
	})
	env.OnTerm(func() {
		out.print(document{Descriptions: p.Descriptions()})
	})
	if !env.Run(ctx) {
		return fmt.Errorf("pool %s did not shut down within the hook timeouts", p.ID())
	}
	return closeErr
}
