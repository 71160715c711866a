package options

import (
	"errors"
	"path/filepath"

	"github.com/spf13/pflag"
)

var _ IOptions = (*SpoolOptions)(nil)

// SpoolOptions locates the pending and done directories.
type SpoolOptions struct {
	// PendingDir receives device files awaiting transmission.
	PendingDir string `json:"pending-dir" mapstructure:"pending-dir"`

	// DoneDir receives files after a successful upload.
	DoneDir string `json:"done-dir" mapstructure:"done-dir"`
}

func NewSpoolOptions() *SpoolOptions {
	return &SpoolOptions{
		PendingDir: "/var/lib/cpeer-transmitter/target",
		DoneDir:    "/var/lib/cpeer-transmitter/done",
	}
}

func (o *SpoolOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errs := []error{}
	if o.PendingDir == "" {
		errs = append(errs, errors.New("--spool.pending-dir must not be empty"))
	}
	if o.DoneDir == "" {
		errs = append(errs, errors.New("--spool.done-dir must not be empty"))
	}
	if o.PendingDir != "" && filepath.Clean(o.PendingDir) == filepath.Clean(o.DoneDir) {
		errs = append(errs, errors.New("--spool.pending-dir and --spool.done-dir must differ"))
	}

	return errs
}

func (o *SpoolOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.PendingDir, "spool.pending-dir", o.PendingDir, "Directory scanned for device files awaiting upload.")
	fs.StringVar(&o.DoneDir, "spool.done-dir", o.DoneDir, "Directory that receives files after a successful upload.")
}
