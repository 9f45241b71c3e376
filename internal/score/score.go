// Package score computes the 0..1 interest score for a killmail against a
// topology index. Scoring is pure: no I/O, no clocks, no mutation, so every
// decision the pipeline makes is reproducible from its inputs.
package score

import (
	"golang.org/x/exp/slices"

	"github.com/guarzo/eve-killwatch/internal/killmail"
	"github.com/guarzo/eve-killwatch/internal/topology"
)

// Entity-layer interest by relationship. Own losses must score 1.0 so a
// corp-member death is never filtered by location alone.
const (
	ownVictimInterest   = 1.0
	warTargetInterest   = 0.9
	ownAttackerInterest = 0.85
	watchedInterest     = 0.75
)

// prefetchFloor keeps the location-only score above absolute zero. Before
// enrichment the entity layer is unknown, so an unlisted system must not
// suppress the fetch on its own; it sits above the default fetch threshold,
// and raising thresholds.fetch past it turns the gate back on.
const prefetchFloor = 0.02

// Layers holds the independent per-layer scores. The pattern layer is not a
// score of its own: pattern flags arrive as the multiplier in Result.
type Layers struct {
	Geographic float64
	Entity     float64
	Route      float64
	Asset      float64
}

// Result is a combined scoring outcome.
type Result struct {
	Layers     Layers
	Multiplier float64
	Final      float64
}

// Location scores in pre-fetch mode from the location alone. The entity
// layer is exactly zero here: without full data it can never suppress a
// fetch, only amplify after one. Ship-filtered routes count as matching
// because the victim ship is unknown yet; the filter tightens after
// enrichment.
func Location(idx *topology.Index, systemID int32) Result {
	layers := Layers{
		Geographic: idx.GeographicInterest(systemID),
		Route:      routeInterest(idx, systemID, 0),
		Asset:      idx.AssetInterest(systemID),
	}
	res := combine(layers, 1.0)
	if res.Final < prefetchFloor {
		res.Final = prefetchFloor
	}
	return res
}

// Kill scores a fully enriched killmail. multiplier is the active pattern
// flag multiplier for the kill's system (1.0 when no flag is active).
func Kill(idx *topology.Index, km *killmail.Killmail, multiplier float64) Result {
	layers := Layers{
		Geographic: idx.GeographicInterest(km.SolarSystemID),
		Entity:     entityInterest(idx, km),
		Route:      routeInterest(idx, km.SolarSystemID, km.Victim.ShipTypeID),
		Asset:      idx.AssetInterest(km.SolarSystemID),
	}
	return combine(layers, multiplier)
}

// combine applies the single-layer-max rule: any one layer expressing strong
// interest must not be diluted by the others reporting zero.
func combine(layers Layers, multiplier float64) Result {
	if multiplier < 1 {
		multiplier = 1
	}
	final := slices.Max([]float64{
		layers.Geographic, layers.Entity, layers.Route, layers.Asset,
	}) * multiplier
	if final > 1 {
		final = 1
	}
	return Result{Layers: layers, Multiplier: multiplier, Final: final}
}

// entityInterest scans victim and attackers against the configured
// relationships and returns the strongest match.
func entityInterest(idx *topology.Index, km *killmail.Killmail) float64 {
	best := 0.0

	consider := func(id int64, victim bool) {
		if id == 0 {
			return
		}
		switch {
		case idx.IsOwn(id):
			if victim {
				best = max(best, ownVictimInterest)
			} else {
				best = max(best, ownAttackerInterest)
			}
		case idx.IsWarTarget(id):
			best = max(best, warTargetInterest)
		case idx.IsWatched(id):
			best = max(best, watchedInterest)
		}
	}

	consider(km.Victim.CorporationID, true)
	consider(km.Victim.AllianceID, true)
	for _, att := range km.Attackers {
		consider(att.CorporationID, false)
		consider(att.AllianceID, false)
	}
	return best
}

// routeInterest returns the strongest route interest for the system. A zero
// victimShip (pre-fetch) passes every ship filter; otherwise the filter
// must name the ship.
func routeInterest(idx *topology.Index, systemID int32, victimShip int32) float64 {
	best := 0.0
	for _, route := range idx.Routes(systemID) {
		if victimShip != 0 && len(route.ShipFilter) > 0 && !slices.Contains(route.ShipFilter, victimShip) {
			continue
		}
		if route.Interest > best {
			best = route.Interest
		}
	}
	return best
}
