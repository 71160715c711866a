package dispatcher

import (
	"sort"

	"cloupeer.io/transmitter/internal/transmitter/edge"
	"cloupeer.io/transmitter/internal/transmitter/identity"
	"cloupeer.io/transmitter/internal/transmitter/spool"
)

// Batch is the pending files of one vehicle. Batches are rebuilt every cycle.
type Batch struct {
	VehicleID identity.VehicleID
	Files     []spool.File
}

// Plan is what a cycle would do with the pending directory.
type Plan struct {
	Pending []spool.File

	// Batches are admitted for upload this cycle, ordered by vehicle.
	Batches []*Batch
	// Deferred batches are eligible but were not admitted by the edge
	// selector.
	Deferred []*Batch

	Unresolved   []spool.File
	Unregistered []spool.File
}

// Group sorts files into per-vehicle batches. Files that carry no
// registration number or an unregistered one are returned separately and
// never batched.
func Group(files []spool.File, r identity.Resolver) (batches []*Batch, unresolved, unregistered []spool.File) {
	byID := make(map[identity.VehicleID]*Batch)
	for _, f := range files {
		id, reason := r.Resolve(f.Name)
		switch reason {
		case identity.NoIdentity:
			unresolved = append(unresolved, f)
			continue
		case identity.Unregistered:
			unregistered = append(unregistered, f)
			continue
		}
		b, ok := byID[id]
		if !ok {
			b = &Batch{VehicleID: id}
			byID[id] = b
			batches = append(batches, b)
		}
		b.Files = append(b.Files, f)
	}

	sort.Slice(batches, func(i, j int) bool { return batches[i].VehicleID < batches[j].VehicleID })
	for _, b := range batches {
		sort.Slice(b.Files, func(i, j int) bool { return b.Files[i].Name < b.Files[j].Name })
	}
	return batches, unresolved, unregistered
}

// Plan lists the pending directory and decides which batches the next cycle
// uploads. It has no side effects.
func (d *Dispatcher) Plan() (*Plan, error) {
	pending, err := d.cfg.Spool.ListPending()
	if err != nil {
		return nil, err
	}
	return NewPlan(pending, d.cfg.Resolver, d.cfg.Selector), nil
}

// NewPlan groups pending files and asks sel which vehicles it admits.
func NewPlan(pending []spool.File, r identity.Resolver, sel edge.Selector) *Plan {
	p := &Plan{Pending: pending}
	var batches []*Batch
	batches, p.Unresolved, p.Unregistered = Group(pending, r)

	ids := make([]identity.VehicleID, 0, len(batches))
	for _, b := range batches {
		ids = append(ids, b.VehicleID)
	}
	admitted := make(map[identity.VehicleID]bool, len(ids))
	for _, id := range sel.Admit(ids) {
		admitted[id] = true
	}

	for _, b := range batches {
		if admitted[b.VehicleID] {
			p.Batches = append(p.Batches, b)
		} else {
			p.Deferred = append(p.Deferred, b)
		}
	}
	return p
}

func fileCount(batches []*Batch) int {
	n := 0
	for _, b := range batches {
		n += len(b.Files)
	}
	return n
}
