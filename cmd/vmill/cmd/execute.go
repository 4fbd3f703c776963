package cmd

import (
	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/isabella232/vmill/internal/runtimeabi"
	"github.com/isabella232/vmill/pkg/arch"
	"github.com/isabella232/vmill/pkg/arch/aarch64"
	"github.com/isabella232/vmill/pkg/codecache"
	"github.com/isabella232/vmill/pkg/executor"
	"github.com/isabella232/vmill/pkg/snapshot"
	"github.com/isabella232/vmill/pkg/workspace"
)

var (
	execArchName  string
	execOS        string
	lifterWorkers int
	liveTableSize int
	noIndex       bool
)

func init() {
	executeCmd.Flags().StringVar(&execArchName, "arch", "amd64", "guest architecture (x86, amd64, aarch64)")
	executeCmd.Flags().StringVar(&execOS, "os", "linux", "guest operating system")
	executeCmd.Flags().IntVar(&lifterWorkers, "lifter-workers", 4, "number of concurrent lifter/compiler workers")
	executeCmd.Flags().IntVar(&liveTableSize, "live-table-size", 4096, "maximum live traces held in the dispatch table")
	executeCmd.Flags().BoolVar(&noIndex, "no-index", false, "don't persist the trace index across runs")
}

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Load a snapshot and re-execute it against a guest runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		fs := afero.NewOsFs()
		ws, err := workspace.New(fs, Workspace)
		if err != nil {
			return errors.Wrap(err, "open workspace")
		}

		a := &arch.Arch{
			Name:               execArchName,
			OS:                 execOS,
			AddressSize:        addressSizeForArch(execArchName),
			MaxInstructionSize: maxInstructionSizeForArch(execArchName),
			Decoder:            decoderForArch(execArchName),
		}
		if a.Decoder == nil {
			return errors.Errorf("no instruction decoder available for arch %q", execArchName)
		}

		var index *codecache.Index
		if !noIndex {
			index, err = codecache.Open(ws.IndexPath())
			if err != nil {
				return errors.Wrap(err, "open trace index")
			}
			defer index.Close()
		}

		rt, err := resolveRuntime(execOS, execArchName)
		if err != nil {
			return errors.Wrap(err, "resolve guest runtime")
		}

		l, err := resolveLifter(execArchName)
		if err != nil {
			return errors.Wrap(err, "resolve lifter backend")
		}

		exec := executor.New(a, rt, l, lifterWorkers, liveTableSize, index)

		snap, err := snapshot.Load(ws)
		if err != nil {
			return errors.Wrap(err, "load snapshot")
		}
		if err := snapshot.LoadIntoExecutor(fs, ws, a, snap, exec); err != nil {
			return errors.Wrap(err, "load snapshot into executor")
		}

		return exec.Run()
	},
}

func addressSizeForArch(name string) int {
	switch name {
	case "x86", "arm", "aarch32":
		return 32
	default:
		return 64
	}
}

func decoderForArch(name string) arch.Decoder {
	switch name {
	case "aarch64", "arm64":
		return aarch64.New()
	default:
		// x86/amd64 decoding belongs to the external lifter library in a
		// production build; no in-tree decoder is wired up for it here.
		return nil
	}
}

func maxInstructionSizeForArch(name string) int {
	switch name {
	case "aarch64", "arm64", "arm", "aarch32":
		return 4
	default:
		return 15 // longest legal x86/amd64 instruction encoding
	}
}

// resolveRuntime returns the guest runtime implementation registered for
// this (os, arch) pair. The guest runtime — its system-call shims,
// coroutine stack library, and FPU helpers — is a collaborator this
// module calls through runtimeabi.Runtime, never one it implements; a
// concrete build links a runtime package and registers it here.
func resolveRuntime(os, archName string) (runtimeabi.Runtime, error) {
	return nil, errors.Errorf("no guest runtime linked into this build for %s/%s", os, archName)
}
