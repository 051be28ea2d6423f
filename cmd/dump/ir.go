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
	"io"

	"github.com/SnellerInc/scanfuse/fuse"
	"github.com/SnellerInc/scanfuse/ir"

	"github.com/spf13/cobra"
)

func newIRCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ir <plan.yaml>",
		Short: "Print the scan functions of a plan",
		Long: `ir compiles the plan and prints every generated scan function,
the path each of its readers reads, and the plan after fusion.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, res, err := opts.compile(cmd, args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, sf := range res.Functions {
				printFunction(w, sf)
				io.WriteString(w, "\n")
			}
			return describe(w, doc)
		},
	}
}

func printFunction(w io.Writer, sf *fuse.ScanFunction) {
	ir.Fprint(w, sf.Func)
	paths := sf.Func.Schemas()
	for i, r := range sf.Func.Readers() {
		p := paths[i].String()
		fmt.Fprintf(w, "%s: %s (%s)\n", r.Name, p, sf.CallInfo[p].Fn)
	}
}
