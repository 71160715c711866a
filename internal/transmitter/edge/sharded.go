package edge

import (
	"fmt"
	"math/rand/v2"

	"cloupeer.io/transmitter/internal/transmitter/identity"
	"cloupeer.io/transmitter/pkg/options"
)

// Role is the half of the vehicle population a sharded instance serves.
type Role int

const (
	// Even serves vehicles whose number ends in 0, 2, 4, 6 or 8.
	Even Role = iota
	// Odd serves the rest.
	Odd
)

func (r Role) String() string {
	if r == Even {
		return options.ShardRoleEven
	}
	return options.ShardRoleOdd
}

// ParseRole parses "even" or "odd". The empty string parses as Even.
func ParseRole(s string) (Role, error) {
	switch s {
	case "", options.ShardRoleEven:
		return Even, nil
	case options.ShardRoleOdd:
		return Odd, nil
	}
	return Even, fmt.Errorf("invalid shard role %q", s)
}

// RoleForPort is the legacy two-instance rule: the instance listening on
// evenPort takes the even vehicles, any other instance the odd ones.
func RoleForPort(port, evenPort int) Role {
	if port == evenPort {
		return Even
	}
	return Odd
}

// Owns reports whether a vehicle belongs to role r.
func (r Role) Owns(id identity.VehicleID) bool {
	d := id.LastDigit()
	if d < 0 {
		return false
	}
	if d%2 == 0 {
		return r == Even
	}
	return r == Odd
}

// Sharded splits vehicles between two instances by the parity of the last
// digit of their number. When an instance owns more vehicles than threshold
// it admits a random half of them per cycle; the rest wait for later cycles.
// Targets are chosen at random from the pool.
type Sharded struct {
	role      Role
	threshold int
	random    *Random
}

// NewSharded returns a sharded policy. rnd may be nil.
func NewSharded(role Role, threshold int, pool []Target, rnd *rand.Rand) (*Sharded, error) {
	random, err := NewRandom(pool, rnd)
	if err != nil {
		return nil, err
	}
	if threshold < 1 {
		return nil, fmt.Errorf("admission threshold must be at least 1, got %d", threshold)
	}
	return &Sharded{role: role, threshold: threshold, random: random}, nil
}

// Role returns the instance role.
func (s *Sharded) Role() Role { return s.role }

func (s *Sharded) Admit(ids []identity.VehicleID) []identity.VehicleID {
	owned := make([]identity.VehicleID, 0, len(ids))
	for _, id := range ids {
		if s.role.Owns(id) {
			owned = append(owned, id)
		}
	}
	if len(owned) <= s.threshold {
		return owned
	}
	s.random.shuffle(owned)
	return owned[:len(owned)/2]
}

func (s *Sharded) Select(id identity.VehicleID, attempt int) (Target, error) {
	return s.random.Select(id, attempt)
}
