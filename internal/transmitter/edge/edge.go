// Package edge chooses the edge node an upload is sent to and, for sharded
// deployments, which vehicles this instance serves in a cycle.
package edge

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"strconv"
	"sync"

	"cloupeer.io/transmitter/internal/transmitter/identity"
	"cloupeer.io/transmitter/pkg/options"
)

// ErrNoTargets is returned by constructors given an empty node pool.
var ErrNoTargets = errors.New("no edge targets configured")

// Target is one upload endpoint.
type Target struct {
	Name string
	URL  string
}

func (t Target) String() string { return t.Name }

// Selector is an edge selection policy.
type Selector interface {
	// Admit returns the subset of ids this instance uploads in the current
	// cycle. It never returns an id that is not in ids.
	Admit(ids []identity.VehicleID) []identity.VehicleID

	// Select returns the target of one upload request. attempt numbers the
	// requests made for the same vehicle within a cycle, starting at 0.
	Select(id identity.VehicleID, attempt int) (Target, error)
}

// Fixed sends everything to one URL and admits every vehicle.
type Fixed struct {
	target Target
}

func NewFixed(rawURL string) (*Fixed, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("edge url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("edge url %q has no host", rawURL)
	}
	return &Fixed{target: Target{Name: u.Host, URL: u.String()}}, nil
}

func (f *Fixed) Admit(ids []identity.VehicleID) []identity.VehicleID {
	return append([]identity.VehicleID(nil), ids...)
}

func (f *Fixed) Select(identity.VehicleID, int) (Target, error) {
	return f.target, nil
}

// Random picks a node uniformly at random for every request and admits every
// vehicle.
type Random struct {
	pool []Target

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandom returns a random policy over pool. rnd may be nil.
func NewRandom(pool []Target, rnd *rand.Rand) (*Random, error) {
	if len(pool) == 0 {
		return nil, ErrNoTargets
	}
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Random{pool: pool, rnd: rnd}, nil
}

func (r *Random) Admit(ids []identity.VehicleID) []identity.VehicleID {
	return append([]identity.VehicleID(nil), ids...)
}

func (r *Random) Select(identity.VehicleID, int) (Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pool[r.rnd.IntN(len(r.pool))], nil
}

func (r *Random) shuffle(ids []identity.VehicleID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rnd.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
}

// Pool expands node hosts into upload targets https://<node>:<port><path>.
// A node that already names a port keeps it.
func Pool(nodes []string, port int, path string) ([]Target, error) {
	targets := make([]Target, 0, len(nodes))
	for _, n := range nodes {
		if n == "" {
			return nil, errors.New("empty edge node")
		}
		host := n
		if _, _, err := net.SplitHostPort(n); err != nil {
			host = net.JoinHostPort(n, strconv.Itoa(port))
		}
		u := url.URL{Scheme: "https", Host: host, Path: path}
		targets = append(targets, Target{Name: host, URL: u.String()})
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	return targets, nil
}

// New builds the selector configured by o. instancePort is the port this
// process listens on, used to derive the shard role when none is set.
func New(o *options.EdgeOptions, instancePort int) (Selector, error) {
	switch o.Policy {
	case options.EdgePolicyFixed:
		return NewFixed(o.URL)
	case options.EdgePolicyRandom, options.EdgePolicySharded:
		pool, err := Pool(o.Nodes, o.Port, o.Path)
		if err != nil {
			return nil, err
		}
		if o.Policy == options.EdgePolicyRandom {
			return NewRandom(pool, nil)
		}
		role, err := ParseRole(o.ShardRole)
		if err != nil {
			return nil, err
		}
		if o.ShardRole == "" {
			role = RoleForPort(instancePort, o.EvenPort)
		}
		return NewSharded(role, o.AdmissionThreshold, pool, nil)
	default:
		return nil, fmt.Errorf("unknown edge policy %q", o.Policy)
	}
}
