package cmd

import (
	"fmt"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/isabella232/vmill/pkg/snapshot"
	"github.com/isabella232/vmill/pkg/workspace"
)

// snapshotCmd's subcommands operate on an already-captured snapshot
// document. Capturing a live process into that document is the job of
// an external tool this module never implements; what lives here is
// inspection of the document such a tool produces.
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect a captured program snapshot",
}

func init() {
	snapshotCmd.AddCommand(snapshotInspectCmd)
}

var snapshotInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print a summary of the workspace's snapshot document",
	RunE: func(cmd *cobra.Command, args []string) error {
		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		fs := afero.NewOsFs()
		ws, err := workspace.New(fs, Workspace)
		if err != nil {
			return errors.Wrap(err, "open workspace")
		}

		snap, err := snapshot.Load(ws)
		if err != nil {
			return errors.Wrap(err, "load snapshot")
		}

		fmt.Printf("%d address space(s), %d task(s)\n", len(snap.AddressSpaces), len(snap.Tasks))
		for _, as := range snap.AddressSpaces {
			parent := "none"
			if as.ParentID != nil {
				parent = fmt.Sprintf("%d", *as.ParentID)
			}
			var mapped uint64
			for _, pr := range as.PageRanges {
				mapped += pr.Limit - pr.Base
			}
			fmt.Printf("  address space %d (parent: %s): %d page range(s), %s mapped\n",
				as.ID, parent, len(as.PageRanges), humanize.Bytes(mapped))
		}
		for _, t := range snap.Tasks {
			fmt.Printf("  task in address space %d at %s\n", t.AddressSpaceID, t.PC.String())
		}
		return nil
	},
}
