package options

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*EdgeOptions)(nil)

const (
	EdgePolicyFixed   = "fixed"
	EdgePolicyRandom  = "random"
	EdgePolicySharded = "sharded"

	ShardRoleEven = "even"
	ShardRoleOdd  = "odd"
)

// EdgeOptions selects the edge endpoints uploads are sent to.
type EdgeOptions struct {
	// Policy is one of "fixed", "random" or "sharded".
	Policy string `json:"policy" mapstructure:"policy"`

	// URL is the single endpoint used by the fixed policy.
	URL string `json:"url" mapstructure:"url"`

	// Nodes is the pool of edge hosts used by the random and sharded policies.
	Nodes []string `json:"nodes" mapstructure:"nodes"`

	// Port and Path complete a pool node into https://<node>:<port><path>.
	Port int    `json:"port" mapstructure:"port"`
	Path string `json:"path" mapstructure:"path"`

	// ShardRole is "even" or "odd". When empty the role is derived from the
	// instance port: EvenPort means even, any other port means odd.
	ShardRole string `json:"shard-role" mapstructure:"shard-role"`
	EvenPort  int    `json:"even-port" mapstructure:"even-port"`

	// AdmissionThreshold is the vehicle count above which a sharded instance
	// admits only half of its vehicles per cycle.
	AdmissionThreshold int `json:"admission-threshold" mapstructure:"admission-threshold"`

	// RequestTimeout bounds one upload request, TLS handshake included.
	RequestTimeout time.Duration `json:"request-timeout" mapstructure:"request-timeout"`
}

func NewEdgeOptions() *EdgeOptions {
	return &EdgeOptions{
		Policy:             EdgePolicyFixed,
		URL:                "https://127.0.0.1:8443/api/edge/upload/vehicle/",
		Port:               8443,
		Path:               "/api/edge/upload/vehicle/",
		EvenPort:           8082,
		AdmissionThreshold: 10,
		RequestTimeout:     60 * time.Second,
	}
}

func (o *EdgeOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errs := []error{}

	switch o.Policy {
	case EdgePolicyFixed:
		u, err := url.Parse(o.URL)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			errs = append(errs, fmt.Errorf("--edge.url must be an absolute https URL, got %q", o.URL))
		}
	case EdgePolicyRandom, EdgePolicySharded:
		if len(o.Nodes) == 0 {
			errs = append(errs, fmt.Errorf("--edge.nodes is required for the %q policy", o.Policy))
		}
		if o.Port < 1 || o.Port > 65535 {
			errs = append(errs, fmt.Errorf("--edge.port out of range: %d", o.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("--edge.policy must be one of fixed, random, sharded; got %q", o.Policy))
	}

	switch o.ShardRole {
	case "", ShardRoleEven, ShardRoleOdd:
	default:
		errs = append(errs, fmt.Errorf("--edge.shard-role must be 'even' or 'odd', got %q", o.ShardRole))
	}

	if o.AdmissionThreshold < 1 {
		errs = append(errs, errors.New("--edge.admission-threshold must be at least 1"))
	}
	if o.RequestTimeout <= 0 {
		errs = append(errs, errors.New("--edge.request-timeout must be positive"))
	}

	return errs
}

func (o *EdgeOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Policy, "edge.policy", o.Policy, "Edge selection policy: 'fixed', 'random' or 'sharded'.")
	fs.StringVar(&o.URL, "edge.url", o.URL, "Upload URL used by the fixed policy.")
	fs.StringSliceVar(&o.Nodes, "edge.nodes", o.Nodes, "Edge node hosts used by the random and sharded policies.")
	fs.IntVar(&o.Port, "edge.port", o.Port, "Port of every edge node in the pool.")
	fs.StringVar(&o.Path, "edge.path", o.Path, "Upload path on every edge node in the pool.")
	fs.StringVar(&o.ShardRole, "edge.shard-role", o.ShardRole, "Vehicles this instance serves under the sharded policy: 'even' or 'odd'. Derived from --http.addr when empty.")
	fs.IntVar(&o.EvenPort, "edge.even-port", o.EvenPort, "Instance port that takes the even role when --edge.shard-role is empty.")
	fs.IntVar(&o.AdmissionThreshold, "edge.admission-threshold", o.AdmissionThreshold, "Above this many vehicles a sharded instance admits only half of them per cycle.")
	fs.DurationVar(&o.RequestTimeout, "edge.request-timeout", o.RequestTimeout, "Timeout of one upload request.")
}
