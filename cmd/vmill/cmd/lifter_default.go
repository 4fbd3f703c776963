//go:build !unicorn

package cmd

import (
	"github.com/pkg/errors"

	"github.com/isabella232/vmill/pkg/lifter"
)

// resolveLifter returns the lift backend registered for this build. The
// default build has no concrete lifter wired in (this module's Non-goal
// boundary is the external lifter library itself); build with -tags
// unicorn to link lifter.ReferenceLifter instead.
func resolveLifter(archName string) (lifter.Lifter, error) {
	return nil, errors.Errorf("no lifter backend linked into this build for arch %q; build with -tags unicorn for the reference backend, or link a production lifter", archName)
}
