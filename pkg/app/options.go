package app

import (
	cliflag "k8s.io/component-base/cli/flag"
)

// NamedFlagSetOptions is implemented by the option structs of a command.
// Flags are grouped into named sections that are printed separately in the
// help output.
type NamedFlagSetOptions interface {
	// Flags returns the flags grouped by section name.
	Flags() cliflag.NamedFlagSets

	// Complete fills in fields that are derived from other fields.
	Complete() error

	// Validate checks the options and aggregates every problem found.
	Validate() error
}
