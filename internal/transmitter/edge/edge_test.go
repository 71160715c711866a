package edge

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"cloupeer.io/transmitter/internal/transmitter/identity"
	"cloupeer.io/transmitter/pkg/options"
)

func vehicles(n int) []identity.VehicleID {
	ids := make([]identity.VehicleID, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, identity.VehicleID(fmt.Sprintf("%02d구%04d", i%100, 1000+i)))
	}
	return ids
}

func TestPool(t *testing.T) {
	got, err := Pool([]string{"10.0.0.1", "edge-2:9443", "::1"}, 8443, "/api/edge/upload/vehicle/")
	if err != nil {
		t.Fatalf("Pool() error = %v", err)
	}
	want := []Target{
		{Name: "10.0.0.1:8443", URL: "https://10.0.0.1:8443/api/edge/upload/vehicle/"},
		{Name: "edge-2:9443", URL: "https://edge-2:9443/api/edge/upload/vehicle/"},
		{Name: "[::1]:8443", URL: "https://[::1]:8443/api/edge/upload/vehicle/"},
	}
	if len(got) != len(want) {
		t.Fatalf("Pool() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Pool()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	if _, err := Pool(nil, 8443, "/"); err == nil {
		t.Error("Pool(nil) succeeded")
	}
}

func TestFixed(t *testing.T) {
	f, err := NewFixed("https://edge.example:8443/api/edge/upload/vehicle/")
	if err != nil {
		t.Fatal(err)
	}
	ids := vehicles(25)
	if got := f.Admit(ids); len(got) != len(ids) {
		t.Errorf("Admit() kept %d of %d", len(got), len(ids))
	}
	for attempt := 0; attempt < 3; attempt++ {
		tgt, _ := f.Select("02구2392", attempt)
		if tgt.URL != "https://edge.example:8443/api/edge/upload/vehicle/" {
			t.Errorf("Select() = %v", tgt)
		}
	}

	if _, err := NewFixed("/relative"); err == nil {
		t.Error("NewFixed(relative) succeeded")
	}
}

func TestRandomCoversPool(t *testing.T) {
	pool, _ := Pool([]string{"a", "b", "c"}, 8443, "/")
	r, err := NewRandom(pool, rand.New(rand.NewPCG(1, 2)))
	if err != nil {
		t.Fatal(err)
	}

	seen := map[string]int{}
	for i := 0; i < 300; i++ {
		tgt, err := r.Select("02구2392", i)
		if err != nil {
			t.Fatal(err)
		}
		seen[tgt.Name]++
	}
	if len(seen) != 3 {
		t.Errorf("Select() hit %d distinct nodes, want 3: %v", len(seen), seen)
	}
}

func TestShardedPartition(t *testing.T) {
	pool, _ := Pool([]string{"a"}, 8443, "/")
	for _, n := range []int{0, 1, 7, 10, 11, 20, 21, 50} {
		ids := vehicles(n)
		even, _ := NewSharded(Even, 1000, pool, nil)
		odd, _ := NewSharded(Odd, 1000, pool, nil)

		e, o := even.Admit(ids), odd.Admit(ids)
		if len(e)+len(o) != n {
			t.Errorf("n=%d: even %d + odd %d != %d", n, len(e), len(o), n)
		}
		inEven := map[identity.VehicleID]bool{}
		for _, id := range e {
			inEven[id] = true
			if id.LastDigit()%2 != 0 {
				t.Errorf("even instance admitted %s", id)
			}
		}
		for _, id := range o {
			if inEven[id] {
				t.Errorf("%s admitted by both instances", id)
			}
		}
	}
}

func TestShardedAdmissionCap(t *testing.T) {
	pool, _ := Pool([]string{"a"}, 8443, "/")
	s, err := NewSharded(Even, 10, pool, rand.New(rand.NewPCG(3, 4)))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		owned int
		want  int
	}{
		{0, 0},
		{9, 9},
		{10, 10},
		{11, 5},
		{30, 15},
	}
	for _, tt := range tests {
		ids := make([]identity.VehicleID, 0, tt.owned)
		for i := 0; i < tt.owned; i++ {
			ids = append(ids, identity.VehicleID(fmt.Sprintf("%02d가%04d", i%100, i*2)))
		}
		got := s.Admit(ids)
		if len(got) != tt.want {
			t.Errorf("Admit(%d owned) = %d, want %d", tt.owned, len(got), tt.want)
		}
		n := len(ids)
		if bound := max((n+1)/2, min(n, 10)); len(got) > bound {
			t.Errorf("Admit(%d) = %d exceeds bound %d", n, len(got), bound)
		}
		seen := map[identity.VehicleID]bool{}
		for _, id := range got {
			if seen[id] {
				t.Errorf("Admit() returned %s twice", id)
			}
			seen[id] = true
		}
	}
}

func TestRoleForPort(t *testing.T) {
	if RoleForPort(8082, 8082) != Even {
		t.Error("port 8082 should be even")
	}
	if RoleForPort(8083, 8082) != Odd {
		t.Error("port 8083 should be odd")
	}
}

func TestNewFromOptions(t *testing.T) {
	o := options.NewEdgeOptions()
	sel, err := New(o, 8082)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sel.(*Fixed); !ok {
		t.Errorf("default policy built %T, want *Fixed", sel)
	}

	o.Policy = options.EdgePolicySharded
	o.Nodes = []string{"10.0.0.1", "10.0.0.2"}
	sel, err = New(o, 8083)
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := sel.(*Sharded); !ok || s.Role() != Odd {
		t.Errorf("sharded on port 8083 built %T with wrong role", sel)
	}

	o.ShardRole = options.ShardRoleEven
	sel, _ = New(o, 8083)
	if sel.(*Sharded).Role() != Even {
		t.Error("explicit shard role was ignored")
	}

	o.Policy = options.EdgePolicyRandom
	if sel, _ = New(o, 8082); sel == nil {
		t.Fatal("random policy not built")
	}
	if _, ok := sel.(*Random); !ok {
		t.Errorf("random policy built %T", sel)
	}
}
