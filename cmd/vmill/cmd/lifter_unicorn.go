//go:build unicorn

package cmd

import (
	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/isabella232/vmill/pkg/lifter"
)

// resolveLifter returns the lift backend registered for this build. The
// "unicorn" tag links lifter.ReferenceLifter, which runs each trace's
// entry instruction on a scratch Unicorn context instead of compiling
// the trace; it is not a production lifter backend.
func resolveLifter(archName string) (lifter.Lifter, error) {
	switch archName {
	case "aarch64", "arm64":
		return &lifter.ReferenceLifter{UnicornArch: uc.ARCH_ARM64, UnicornMode: uc.MODE_ARM}, nil
	case "amd64", "x86_64":
		return &lifter.ReferenceLifter{UnicornArch: uc.ARCH_X86, UnicornMode: uc.MODE_64}, nil
	case "x86":
		return &lifter.ReferenceLifter{UnicornArch: uc.ARCH_X86, UnicornMode: uc.MODE_32}, nil
	default:
		return nil, errors.Errorf("no reference lifter available for arch %q", archName)
	}
}
