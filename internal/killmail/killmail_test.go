package killmail

import (
	"testing"
	"time"
)

func TestFinalBlowAttacker(t *testing.T) {
	cases := []struct {
		name      string
		attackers []Attacker
		wantChar  int64
		wantOK    bool
	}{
		{
			name: "marked final blow wins over order",
			attackers: []Attacker{
				{CharacterID: 11},
				{CharacterID: 22, FinalBlow: true},
				{CharacterID: 33},
			},
			wantChar: 22,
			wantOK:   true,
		},
		{
			name: "no mark falls back to first attacker",
			attackers: []Attacker{
				{CharacterID: 11},
				{CharacterID: 22},
			},
			wantChar: 11,
			wantOK:   true,
		},
		{
			name:      "empty attacker list",
			attackers: nil,
			wantOK:    false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			km := Killmail{Attackers: tc.attackers}
			att, ok := km.FinalBlowAttacker()
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && att.CharacterID != tc.wantChar {
				t.Fatalf("final blow character = %d, want %d", att.CharacterID, tc.wantChar)
			}
		})
	}
}

func TestHasEnrichment(t *testing.T) {
	when := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		km   Killmail
		want bool
	}{
		{
			name: "bare feed envelope",
			km:   Killmail{KillmailID: 1, ZKB: ZKB{Hash: "abc"}},
			want: false,
		},
		{
			name: "timestamp without participants",
			km:   Killmail{KillmailID: 1, Time: when},
			want: false,
		},
		{
			name: "victim detail present",
			km:   Killmail{KillmailID: 1, Time: when, Victim: Victim{CorporationID: 98000001}},
			want: true,
		},
		{
			name: "attackers present",
			km:   Killmail{KillmailID: 1, Time: when, Attackers: []Attacker{{CharacterID: 5}}},
			want: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.km.HasEnrichment(); got != tc.want {
				t.Fatalf("HasEnrichment() = %v, want %v", got, tc.want)
			}
		})
	}
}
