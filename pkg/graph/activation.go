package graph

import "github.com/openmemory/openmemory-go/pkg/storage"

// maxSpreadIterations bounds activation propagation depth.
const maxSpreadIterations = 4

// Spread propagates activation energy from seed memories across the
// waypoint graph. Each iteration pushes gamma-attenuated energy along every
// edge in both directions; propagation stops after maxSpreadIterations or
// when no node gained more than tau. Energies clamp at 1.
//
// Seeds keep at least their initial energy; newly activated nodes carry the
// accumulated inflow.
func Spread(edges []*storage.WaypointRow, seeds map[string]float64, gamma, tau float64) map[string]float64 {
	energy := make(map[string]float64, len(seeds))
	for id, e := range seeds {
		if e > 1 {
			e = 1
		}
		energy[id] = e
	}
	if len(edges) == 0 || gamma <= 0 {
		return energy
	}

	for iter := 0; iter < maxSpreadIterations; iter++ {
		inflow := make(map[string]float64)
		for _, e := range edges {
			if src := energy[e.SrcID]; src > 0 {
				inflow[e.DstID] += gamma * e.Weight * src
			}
			if dst := energy[e.DstID]; dst > 0 {
				inflow[e.SrcID] += gamma * e.Weight * dst
			}
		}

		maxDelta := 0.0
		for id, in := range inflow {
			next := energy[id] + in
			if next > 1 {
				next = 1
			}
			if delta := next - energy[id]; delta > maxDelta {
				maxDelta = delta
			}
			energy[id] = next
		}
		if maxDelta < tau {
			break
		}
	}
	return energy
}
