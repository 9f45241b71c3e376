package topology

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// coldStartInterest is the uniform geographic score when no systems are
// configured at all, so the pre-fetch filter never discards events
// system-wide on an empty topology.
const coldStartInterest = 0.05

// RouteRef is one route passing through a system, as seen by the scorer.
type RouteRef struct {
	Name       string
	Interest   float64
	ShipFilter []int32
}

// systemInterest is the precomputed per-system base interest.
type systemInterest struct {
	geographic float64
	asset      float64
	routes     []RouteRef
}

// Index is the read-optimized structure consulted at scoring time. It is
// immutable after Build; a Holder swaps whole indexes atomically.
type Index struct {
	builtAt    time.Time
	systems    map[int32]systemInterest
	coldStart  bool
	own        map[int64]struct{}
	watched    map[int64]struct{}
	warTargets map[int64]struct{}
	patterns   PatternConfig
	thresholds Thresholds
}

// Build compiles a validated document into an Index. Classification weights
// are expanded along the gate adjacency: a system's geographic interest is
// the maximum weight any classified system projects onto it at its hop
// distance.
func Build(doc *Document) (*Index, error) {
	if doc == nil {
		return nil, fmt.Errorf("build topology index: nil document")
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("build topology index: %w", err)
	}

	idx := &Index{
		builtAt:    time.Now().UTC(),
		systems:    make(map[int32]systemInterest),
		coldStart:  len(doc.Geographic.Systems) == 0,
		own:        make(map[int64]struct{}),
		watched:    make(map[int64]struct{}),
		warTargets: make(map[int64]struct{}),
		patterns:   doc.Patterns,
		thresholds: doc.Thresholds,
	}

	for _, sys := range doc.Geographic.Systems {
		table := doc.Geographic.Weights[sys.Classification]
		for systemID, hops := range hopDistances(sys.SystemID, doc.Geographic.Gates, len(table)-1) {
			w := table[hops]
			cur := idx.systems[systemID]
			if w > cur.geographic {
				cur.geographic = w
			}
			idx.systems[systemID] = cur
		}
	}

	for _, route := range doc.Routes {
		ref := RouteRef{
			Name:       route.Name,
			Interest:   route.Interest,
			ShipFilter: slices.Clone(route.ShipFilter),
		}
		for _, systemID := range route.Waypoints {
			cur := idx.systems[systemID]
			cur.routes = append(cur.routes, ref)
			idx.systems[systemID] = cur
		}
	}

	for _, asset := range doc.Assets {
		if !asset.Structures && !asset.Offices {
			continue
		}
		cur := idx.systems[asset.SystemID]
		if asset.Interest > cur.asset {
			cur.asset = asset.Interest
		}
		idx.systems[asset.SystemID] = cur
	}

	ent := doc.Entity
	if ent.CorpID != 0 {
		idx.own[ent.CorpID] = struct{}{}
	}
	if ent.AllianceID != 0 {
		idx.own[ent.AllianceID] = struct{}{}
	}
	for _, id := range ent.WatchedCorps {
		idx.watched[id] = struct{}{}
	}
	for _, id := range ent.WatchedAlliances {
		idx.watched[id] = struct{}{}
	}
	for _, id := range ent.WarTargets {
		idx.warTargets[id] = struct{}{}
	}

	return idx, nil
}

// hopDistances walks the gate adjacency breadth-first from origin up to
// maxHops and returns system id -> hop distance, origin included at 0.
func hopDistances(origin int32, gates map[int32][]int32, maxHops int) map[int32]int {
	dist := map[int32]int{origin: 0}
	if maxHops <= 0 || len(gates) == 0 {
		return dist
	}
	frontier := []int32{origin}
	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		var next []int32
		for _, systemID := range frontier {
			for _, neighbor := range gates[systemID] {
				if _, seen := dist[neighbor]; seen {
					continue
				}
				dist[neighbor] = hop
				next = append(next, neighbor)
			}
		}
		frontier = next
	}
	return dist
}

// GeographicInterest returns the precomputed geographic base interest for a
// system. On a cold-start topology (no systems configured) every system gets
// a uniform low default instead of zero.
func (idx *Index) GeographicInterest(systemID int32) float64 {
	if idx.coldStart {
		return coldStartInterest
	}
	return idx.systems[systemID].geographic
}

// AssetInterest returns the flagged asset interest for a system, 0 if none.
func (idx *Index) AssetInterest(systemID int32) float64 {
	return idx.systems[systemID].asset
}

// Routes returns the routes passing through a system.
func (idx *Index) Routes(systemID int32) []RouteRef {
	return idx.systems[systemID].routes
}

// IsOwn reports whether the id is the configured corp or alliance.
func (idx *Index) IsOwn(id int64) bool {
	_, ok := idx.own[id]
	return ok && id != 0
}

// IsWatched reports whether the id is on the watchlist.
func (idx *Index) IsWatched(id int64) bool {
	_, ok := idx.watched[id]
	return ok && id != 0
}

// IsWarTarget reports whether the id is a declared war target.
func (idx *Index) IsWarTarget(id int64) bool {
	_, ok := idx.warTargets[id]
	return ok && id != 0
}

// WatchesEntities reports whether any entity relationship is configured.
func (idx *Index) WatchesEntities() bool {
	return len(idx.own)+len(idx.watched)+len(idx.warTargets) > 0
}

// Patterns returns the pattern detector tuning carried by this index.
func (idx *Index) Patterns() PatternConfig {
	return idx.patterns
}

// Thresholds returns the score tiers carried by this index.
func (idx *Index) Thresholds() Thresholds {
	return idx.thresholds
}

// BuiltAt returns the build timestamp, for the status surface.
func (idx *Index) BuiltAt() time.Time {
	return idx.builtAt
}

// SystemIDs returns a sorted list of all systems with any precomputed
// interest, mainly for status and tests.
func (idx *Index) SystemIDs() []int32 {
	ids := maps.Keys(idx.systems)
	slices.Sort(ids)
	return ids
}

// Holder hands out the current Index and swaps in rebuilt ones atomically,
// so scoring never observes a half-updated configuration.
type Holder struct {
	path string
	ptr  atomic.Pointer[Index]
}

// NewHolder loads, validates and builds the document at path. Failing here
// is fatal at startup: scoring without an index is an invariant violation.
func NewHolder(path string) (*Holder, error) {
	h := &Holder{path: path}
	if err := h.Rebuild(); err != nil {
		return nil, err
	}
	return h, nil
}

// Current returns the active index.
func (h *Holder) Current() *Index {
	return h.ptr.Load()
}

// Rebuild re-reads the document, builds a fresh index and swaps it in. On
// any error the previous index stays active untouched.
func (h *Holder) Rebuild() error {
	doc, err := Load(h.path)
	if err != nil {
		return err
	}
	idx, err := Build(doc)
	if err != nil {
		return err
	}
	h.ptr.Store(idx)
	return nil
}
