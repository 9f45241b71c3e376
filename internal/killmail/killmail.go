// Package killmail defines the combat-loss event model shared by the feed,
// the event store and the scoring pipeline.
package killmail

import "time"

// -------------------------------------------------------------------
// zKill / ESI wire models
// -------------------------------------------------------------------

// Killmail is a single combat-loss record. Immutable once stored; the
// killmail id is the global dedup key. Optional entity ids (alliance,
// faction, character) are zero when the feed omits them.
type Killmail struct {
	KillmailID    int64      `json:"killmail_id"`
	Time          time.Time  `json:"killmail_time"`
	SolarSystemID int32      `json:"solar_system_id"`
	Victim        Victim     `json:"victim"`
	Attackers     []Attacker `json:"attackers"`
	ZKB           ZKB        `json:"zkb"`
}

// ZKB carries the zKillboard economic envelope attached to feed items.
type ZKB struct {
	Hash           string  `json:"hash"`
	FittedValue    float64 `json:"fittedValue"`
	DroppedValue   float64 `json:"droppedValue"`
	DestroyedValue float64 `json:"destroyedValue"`
	TotalValue     float64 `json:"totalValue"`
	Points         int     `json:"points"`
	NPC            bool    `json:"npc"`
	Solo           bool    `json:"solo"`
	Awox           bool    `json:"awox"`
}

// Victim from either zKill or ESI.
type Victim struct {
	CharacterID   int64 `json:"character_id,omitempty"`
	CorporationID int64 `json:"corporation_id,omitempty"`
	AllianceID    int64 `json:"alliance_id,omitempty"`
	FactionID     int64 `json:"faction_id,omitempty"`
	ShipTypeID    int32 `json:"ship_type_id,omitempty"`
	DamageTaken   int64 `json:"damage_taken,omitempty"`
}

// Attacker from either zKill or ESI.
type Attacker struct {
	CharacterID    int64   `json:"character_id,omitempty"`
	CorporationID  int64   `json:"corporation_id,omitempty"`
	AllianceID     int64   `json:"alliance_id,omitempty"`
	FactionID      int64   `json:"faction_id,omitempty"`
	ShipTypeID     int32   `json:"ship_type_id,omitempty"`
	WeaponTypeID   int32   `json:"weapon_type_id,omitempty"`
	DamageDone     int64   `json:"damage_done,omitempty"`
	FinalBlow      bool    `json:"final_blow,omitempty"`
	SecurityStatus float64 `json:"security_status,omitempty"`
}

// -------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------

// FinalBlowAttacker returns the attacker that landed the final blow, or the
// first attacker when the feed did not mark one. ok is false for an empty
// attacker list.
func (k *Killmail) FinalBlowAttacker() (Attacker, bool) {
	for _, att := range k.Attackers {
		if att.FinalBlow {
			return att, true
		}
	}
	if len(k.Attackers) > 0 {
		return k.Attackers[0], true
	}
	return Attacker{}, false
}

// TotalValue returns the zKillboard value estimate for the loss.
func (k *Killmail) TotalValue() float64 {
	return k.ZKB.TotalValue
}

// HasEnrichment reports whether the ESI merge already ran: feed envelopes
// carry the killmail id and zkb block but may lack victim/attacker detail
// until the full-data fetch completes.
func (k *Killmail) HasEnrichment() bool {
	return !k.Time.IsZero() && (k.Victim.CorporationID != 0 || len(k.Attackers) > 0)
}
