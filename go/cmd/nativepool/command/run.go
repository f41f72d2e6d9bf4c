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
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/multigres/nativepool/go/notifier"
	"github.com/multigres/nativepool/go/pool"
	"github.com/multigres/nativepool/go/stmt"
)

type runFlags struct {
	repeat       int
	parallel     int
	timeout      time.Duration
	status       bool
	procedure    bool
	params       map[string]string
	closeTimeout time.Duration
}

func (nc *NativepoolCommand) runCommand() *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run STATEMENT...",
		Short: "Run statements concurrently through a pool",
		Long: `Run every statement --repeat times through one pool, all of them concurrently
unless --parallel limits it. Each result is printed as a yaml document.

With --procedure the arguments are procedure names. Their parameters are
described from the catalog and bound by name from --param.

Examples:
  nativepool run --ceiling 4 --repeat 8 "select pg_sleep(0.1)"
  nativepool run --procedure --param amount=10 public.deposit`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return nc.run(cmd, args, rf)
		},
	}
	cmd.Flags().IntVar(&rf.repeat, "repeat", 1, "Number of times each statement is run")
	cmd.Flags().IntVar(&rf.parallel, "parallel", 0, "Maximum statements in flight, 0 for no limit")
	cmd.Flags().DurationVar(&rf.timeout, "statement-timeout", 0, "Per statement timeout, 0 for none")
	cmd.Flags().BoolVar(&rf.status, "status", false, "Print a status document on every pool state change")
	cmd.Flags().BoolVar(&rf.procedure, "procedure", false, "Treat arguments as procedure names")
	cmd.Flags().StringToStringVar(&rf.params, "param", nil, "Procedure parameter as name=value")
	cmd.Flags().DurationVar(&rf.closeTimeout, "close-timeout", 10*time.Second, "Wait no more than this for the pool to close")
	return cmd
}

func (nc *NativepoolCommand) run(cmd *cobra.Command, args []string, rf *runFlags) (err error) {
	if rf.repeat < 1 {
		return fmt.Errorf("--repeat must be at least 1, got %d", rf.repeat)
	}
	ctx := cmd.Context()
	out := newPrinter(cmd.OutOrStdout())
	defer func() {
		err = errors.Join(err, out.close())
	}()

	p, err := nc.openPool(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rf.closeTimeout)
		defer cancel()
		err = errors.Join(err, p.Close(closeCtx))
	}()

	if rf.status {
		remove := p.OnStatus(func(st pool.Status) {
			out.print(document{Status: &st})
		})
		defer remove()
	}

	values := make(map[string]any, len(rf.params))
	for k, v := range rf.params {
		values[k] = v
	}

	var g errgroup.Group
	if rf.parallel > 0 {
		g.SetLimit(rf.parallel)
	}
	var failed atomic.Int64
	for range rf.repeat {
		for _, text := range args {
			g.Go(func() error {
				if err := nc.runOne(ctx, p, text, rf, values, out); err != nil {
					failed.Add(1)
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	out.print(document{Descriptions: p.Descriptions()})
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d statements failed", n, rf.repeat*len(args))
	}
	return nil
}

// runOne runs a single statement and prints its result.
func (nc *NativepoolCommand) runOne(ctx context.Context, p *pool.Pool, text string, rf *runFlags, values map[string]any, out *printer) error {
	if rf.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rf.timeout)
		defer cancel()
	}

	var n *notifier.Notifier
	var err error
	if rf.procedure {
		n, err = p.Call(ctx, text, values)
	} else {
		n, err = p.Query(ctx, stmt.New(text))
	}
	if err != nil {
		out.print(document{Result: newResultDoc(text, nil, err)})
		return err
	}
	r, err := n.Wait(ctx)
	out.print(document{Result: newResultDoc(text, r, err)})
	return err
}
