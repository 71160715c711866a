package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*DispatchOptions)(nil)

const (
	// DispatchModePerFile sends one request per pending file.
	DispatchModePerFile = "per-file"
	// DispatchModePerBatch sends every file of a vehicle in one request.
	DispatchModePerBatch = "per-batch"
)

// DispatchOptions controls the dispatch cycle schedule and concurrency.
type DispatchOptions struct {
	// Interval between two scheduled cycles.
	Interval time.Duration `json:"interval" mapstructure:"interval"`

	// RunOnStart runs one cycle immediately when the process starts.
	RunOnStart bool `json:"run-on-start" mapstructure:"run-on-start"`

	// Watch triggers an extra cycle when files land in the pending directory.
	Watch bool `json:"watch" mapstructure:"watch"`

	// WatchDebounce coalesces bursts of filesystem events into one cycle.
	WatchDebounce time.Duration `json:"watch-debounce" mapstructure:"watch-debounce"`

	// Workers bounds the number of vehicles uploaded concurrently. 1 is sequential.
	Workers int `json:"workers" mapstructure:"workers"`

	// BatchTimeout bounds signing and uploading of one vehicle batch.
	BatchTimeout time.Duration `json:"batch-timeout" mapstructure:"batch-timeout"`

	// Mode is "per-file" or "per-batch".
	Mode string `json:"mode" mapstructure:"mode"`

	// NotifyTimeout bounds one outcome notification or archive upload.
	NotifyTimeout time.Duration `json:"notify-timeout" mapstructure:"notify-timeout"`
}

func NewDispatchOptions() *DispatchOptions {
	return &DispatchOptions{
		Interval:      60 * time.Second,
		RunOnStart:    true,
		Watch:         false,
		WatchDebounce: 2 * time.Second,
		Workers:       4,
		BatchTimeout:  5 * time.Minute,
		Mode:          DispatchModePerFile,
		NotifyTimeout: 10 * time.Second,
	}
}

func (o *DispatchOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errs := []error{}
	if o.Interval <= 0 {
		errs = append(errs, fmt.Errorf("--dispatch.interval must be positive, got %s", o.Interval))
	}
	if o.Workers < 1 {
		errs = append(errs, fmt.Errorf("--dispatch.workers must be at least 1, got %d", o.Workers))
	}
	if o.BatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--dispatch.batch-timeout must be positive, got %s", o.BatchTimeout))
	}
	if o.NotifyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--dispatch.notify-timeout must be positive, got %s", o.NotifyTimeout))
	}
	if o.Watch && o.WatchDebounce < 0 {
		errs = append(errs, fmt.Errorf("--dispatch.watch-debounce must not be negative"))
	}
	switch o.Mode {
	case DispatchModePerFile, DispatchModePerBatch:
	default:
		errs = append(errs, fmt.Errorf("--dispatch.mode must be %q or %q, got %q", DispatchModePerFile, DispatchModePerBatch, o.Mode))
	}

	return errs
}

func (o *DispatchOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.DurationVar(&o.Interval, "dispatch.interval", o.Interval, "Interval between two dispatch cycles.")
	fs.BoolVar(&o.RunOnStart, "dispatch.run-on-start", o.RunOnStart, "Run one dispatch cycle immediately at startup.")
	fs.BoolVar(&o.Watch, "dispatch.watch", o.Watch, "Also trigger a cycle when files are written to the pending directory.")
	fs.DurationVar(&o.WatchDebounce, "dispatch.watch-debounce", o.WatchDebounce, "Quiet period after the last filesystem event before a watch-triggered cycle.")
	fs.IntVar(&o.Workers, "dispatch.workers", o.Workers, "Maximum number of vehicles uploaded concurrently (1 = sequential).")
	fs.DurationVar(&o.BatchTimeout, "dispatch.batch-timeout", o.BatchTimeout, "Upper bound for signing and uploading one vehicle batch.")
	fs.StringVar(&o.Mode, "dispatch.mode", o.Mode, "Request granularity: 'per-file' or 'per-batch'.")
	fs.DurationVar(&o.NotifyTimeout, "dispatch.notify-timeout", o.NotifyTimeout, "Upper bound for one outcome notification or archive upload.")
}
