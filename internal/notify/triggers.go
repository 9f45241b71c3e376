package notify

import (
	"golang.org/x/exp/slices"

	"github.com/guarzo/eve-killwatch/internal/killmail"
	"github.com/guarzo/eve-killwatch/internal/pattern"
	"github.com/guarzo/eve-killwatch/internal/topology"
)

// verdict is the outcome of trigger evaluation for one kill.
type verdict struct {
	fired bool
	// watchEntity is the matched watchlist entity, zero when the kill
	// qualified on some other trigger.
	watchEntity int64
	// victimSide reports a watched entity on the losing side, which frames
	// the notification as a loss.
	victimSide bool
	// npcBypass lets an NPC faction match through even at score zero.
	npcBypass bool
}

// evaluate checks every enabled trigger; any single match qualifies the kill.
func (w *Worker) evaluate(idx *topology.Index, km *killmail.Killmail, kinds []pattern.Kind) verdict {
	t := w.prof.Triggers
	v := verdict{
		victimSide: watchedEntity(idx, km.Victim.CorporationID) ||
			watchedEntity(idx, km.Victim.AllianceID),
	}

	if t.WatchlistActivity {
		if id := watchlistMatch(idx, km); id != 0 {
			v.fired = true
			v.watchEntity = id
		}
	}
	for _, k := range kinds {
		if (k == pattern.KindGatecamp && t.GatecampDetected) ||
			(k == pattern.KindSpike && t.SpikeDetected) {
			v.fired = true
		}
	}
	if t.ValueAbove > 0 && km.TotalValue() >= t.ValueAbove {
		v.fired = true
	}
	if n := t.NPCFactions; n.Enabled {
		asVictim, asAttacker := npcMatch(n.IDs, km)
		if (n.AsVictim && asVictim) || (n.AsAttacker && asAttacker) {
			v.fired = true
			if n.IgnoreTopology {
				v.npcBypass = true
			}
		}
	}
	return v
}

// watchlistMatch returns the first configured entity involved in the kill,
// victim side first so losses win the throttle key.
func watchlistMatch(idx *topology.Index, km *killmail.Killmail) int64 {
	if watchedEntity(idx, km.Victim.CorporationID) {
		return km.Victim.CorporationID
	}
	if watchedEntity(idx, km.Victim.AllianceID) {
		return km.Victim.AllianceID
	}
	for _, att := range km.Attackers {
		if watchedEntity(idx, att.CorporationID) {
			return att.CorporationID
		}
		if watchedEntity(idx, att.AllianceID) {
			return att.AllianceID
		}
	}
	return 0
}

func watchedEntity(idx *topology.Index, id int64) bool {
	return id != 0 && (idx.IsOwn(id) || idx.IsWarTarget(id) || idx.IsWatched(id))
}

// npcMatch reports whether any configured NPC faction appears on the victim
// or attacker side.
func npcMatch(ids []int64, km *killmail.Killmail) (asVictim, asAttacker bool) {
	asVictim = km.Victim.FactionID != 0 && slices.Contains(ids, km.Victim.FactionID)
	for _, att := range km.Attackers {
		if att.FactionID != 0 && slices.Contains(ids, att.FactionID) {
			asAttacker = true
			break
		}
	}
	return asVictim, asAttacker
}
