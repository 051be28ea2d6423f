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
	"fmt"
	"log"
	"os"

	"github.com/SnellerInc/scanfuse/vm"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <plan.yaml> <records>",
		Short: "Run the scan functions of a plan over records",
		Long: `run compiles the plan and runs every generated scan function over
the records in the second file, a YAML or JSON list of structures,
printing each output row.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, res, err := opts.compile(cmd, args[0])
			if err != nil {
				return err
			}
			recs, err := loadRecords(args[1])
			if err != nil {
				return err
			}
			if opts.verbose {
				vm.Logger = log.New(cmd.ErrOrStderr(), "", 0)
				defer func() { vm.Logger = nil }()
			}
			w := cmd.OutOrStdout()
			for _, sf := range res.Functions {
				out, err := vm.Run(sf.Func, recs)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s: %d rows\n", sf.Func.Name, len(out.Rows))
				for _, row := range out.Rows {
					fmt.Fprintf(w, "\t%s\n", vm.Format(row))
				}
			}
			return nil
		},
	}
}

func loadRecords(path string) ([]any, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var recs []any
	if err := yaml.Unmarshal(buf, &recs); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i := range recs {
		recs[i] = vm.Normalize(recs[i])
		if _, ok := recs[i].(map[string]any); !ok {
			return nil, fmt.Errorf("%s: record %d is not a structure", path, i)
		}
	}
	return recs, nil
}
