// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/SnellerInc/scanfuse/fuse"
	"github.com/SnellerInc/scanfuse/plan"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	verbose bool
	config  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Compile plans into scan functions",
		Long: `dump reads a logical plan from a YAML document, fuses the operators
above each columnar scan into scan functions and prints or runs them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log fusion decisions to stderr")
	cmd.PersistentFlags().StringVar(&opts.config, "config", "", "physical configuration (YAML or JSON)")
	cmd.AddCommand(newIRCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	return cmd
}

// compile decodes the plan at path and
// compiles it with the options of the command.
func (o *rootOptions) compile(cmd *cobra.Command, path string) (*plan.Document, *fuse.Result, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	doc, err := plan.Decode(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if o.config != "" {
		cfg, err := os.ReadFile(o.config)
		if err != nil {
			return nil, nil, err
		}
		c, err := plan.LoadPhysicalConfig(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", o.config, err)
		}
		*doc.Context.PhysicalConfig() = *c
	}
	var opts []fuse.Option
	if o.verbose {
		opts = append(opts, fuse.WithLogger(log.New(cmd.ErrOrStderr(), "", 0)))
	}
	res, err := fuse.Compile(doc.Root, doc.Context, doc.Metadata, nil, opts...)
	if err != nil {
		var ferr *fuse.Error
		if errors.As(err, &ferr) {
			ferr.WriteTo(cmd.ErrOrStderr())
		}
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, res, nil
}

func describe(w io.Writer, doc *plan.Document) error {
	io.WriteString(w, "plan:\n")
	return plan.Describe(w, doc.Root)
}
