package deliver

import (
	"fmt"
	"strings"
	"time"
)

// -------------------------------------------------------------------
// Discord embed structures
// -------------------------------------------------------------------

// DiscordEmbed matches Discord's embed JSON structure.
type DiscordEmbed struct {
	Title       string            `json:"title,omitempty"`
	URL         string            `json:"url,omitempty"`
	Description string            `json:"description,omitempty"`
	Color       int               `json:"color,omitempty"`
	Timestamp   string            `json:"timestamp,omitempty"`
	Footer      *DiscordFooter    `json:"footer,omitempty"`
	Thumbnail   *DiscordThumbnail `json:"thumbnail,omitempty"`
	Author      *DiscordAuthor    `json:"author,omitempty"`
	Fields      []DiscordField    `json:"fields,omitempty"`
}

type DiscordFooter struct {
	Text string `json:"text,omitempty"`
}

type DiscordThumbnail struct {
	URL string `json:"url,omitempty"`
}

type DiscordAuthor struct {
	Name    string `json:"name,omitempty"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

type DiscordField struct {
	Name   string `json:"name,omitempty"`
	Value  string `json:"value,omitempty"`
	Inline bool   `json:"inline,omitempty"`
}

// Embed colors. Priority kills get their own color so they stand out in a
// busy channel.
const (
	killColor     = "#2ecc71"
	lossColor     = "#e74c3c"
	priorityColor = "#f1c40f"
	rollupColor   = "#3b88c3"
)

// -------------------------------------------------------------------
// Rendering
// -------------------------------------------------------------------

// RenderKill builds the embed for a single kill notification.
func RenderKill(it *Item) DiscordEmbed {
	km := it.Kill
	zkillLink := fmt.Sprintf("https://zkillboard.com/kill/%d/", km.KillmailID)

	authorText := "Loss"
	if it.IsKill {
		authorText = "Kill"
	}
	if km.ZKB.Awox {
		authorText = "Cowardly Awox"
	}

	// Alliance logo when the victim has one, corp logo otherwise.
	authorImage := fmt.Sprintf("https://image.eveonline.com/Corporation/%d_64.png", km.Victim.CorporationID)
	if km.Victim.AllianceID > 0 {
		authorImage = fmt.Sprintf("https://image.eveonline.com/Alliance/%d_64.png", km.Victim.AllianceID)
	}

	victimName := it.Names.Victim
	if victimName == "" {
		victimName = "UnknownVictim"
	}
	victimShip := it.Names.VictimShip
	if victimShip == "" {
		victimShip = "UnknownShip"
	}
	finalName := it.Names.Final
	if finalName == "" {
		finalName = "UnknownAttacker"
	}
	finalShip := it.Names.FinalShip
	if finalShip == "" {
		finalShip = "UnknownShip"
	}

	victimGroup := "UnknownGroup"
	if km.Victim.AllianceID > 0 && it.Names.VictimAlliance != "" {
		victimGroup = it.Names.VictimAlliance
	} else if it.Names.VictimCorp != "" {
		victimGroup = it.Names.VictimCorp
	}

	final, _ := km.FinalBlowAttacker()
	attackerGroup := "UnknownGroup"
	if final.AllianceID > 0 && it.Names.FinalAlliance != "" {
		attackerGroup = it.Names.FinalAlliance
	} else if it.Names.FinalCorp != "" {
		attackerGroup = it.Names.FinalCorp
	}

	victimZkillURL := fmt.Sprintf("https://zkillboard.com/character/%d/", km.Victim.CharacterID)
	attackerZkillURL := "https://zkillboard.com/"
	if final.CharacterID > 0 {
		attackerZkillURL = fmt.Sprintf("https://zkillboard.com/character/%d/", final.CharacterID)
	}

	descEnd := "solo"
	if len(km.Attackers) > 1 {
		descEnd = fmt.Sprintf("and **%d** others", len(km.Attackers)-1)
	}
	description := fmt.Sprintf(
		"**[%s](%s)(%s)** lost their **%s** to **[%s](%s)(%s)** flying in a **%s** %s.",
		victimName, victimZkillURL, victimGroup,
		victimShip,
		finalName, attackerZkillURL, attackerGroup,
		finalShip,
		descEnd,
	)

	systemName := it.Names.System
	if systemName == "" {
		systemName = fmt.Sprintf("SystemID:%d", km.SolarSystemID)
	}

	colorHex := lossColor
	if it.IsKill {
		colorHex = killColor
	}
	if it.Priority {
		colorHex = priorityColor
	}

	embed := DiscordEmbed{
		Title:     fmt.Sprintf("%s destroyed in %s", victimShip, systemName),
		URL:       zkillLink,
		Color:     parseHexColor(colorHex),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Author: &DiscordAuthor{
			Name:    authorText,
			URL:     zkillLink,
			IconURL: authorImage,
		},
		Description: description,
		Thumbnail: &DiscordThumbnail{
			URL: fmt.Sprintf("https://image.eveonline.com/Type/%d_64.png", km.Victim.ShipTypeID),
		},
		Footer: &DiscordFooter{
			Text: fmt.Sprintf("Value: %s · Interest %.2f", formatISKValue(km.TotalValue()), it.Score),
		},
	}
	if len(it.Patterns) > 0 {
		embed.Fields = append(embed.Fields, DiscordField{
			Name:   "Activity",
			Value:  strings.Join(it.Patterns, ", "),
			Inline: true,
		})
	}
	return embed
}

// RenderRollup condenses a burst of kills into one summary embed instead
// of flooding the channel. Kills below the digest tier share a single count
// line so the summary stays readable under heavy bursts.
func RenderRollup(items []*Item) DiscordEmbed {
	var (
		lines      []string
		total      float64
		minor      int
		minorValue float64
	)
	for _, it := range items {
		km := it.Kill
		total += km.TotalValue()
		if !it.Digest {
			minor++
			minorValue += km.TotalValue()
			continue
		}
		ship := it.Names.VictimShip
		if ship == "" {
			ship = "UnknownShip"
		}
		system := it.Names.System
		if system == "" {
			system = fmt.Sprintf("SystemID:%d", km.SolarSystemID)
		}
		lines = append(lines, fmt.Sprintf("• **%s** in %s · %s ([zkill](https://zkillboard.com/kill/%d/))",
			ship, system, formatISKValue(km.TotalValue()), km.KillmailID))
	}
	if minor > 0 {
		lines = append(lines, fmt.Sprintf("• plus %d minor kills worth %s", minor, formatISKValue(minorValue)))
	}

	return DiscordEmbed{
		Title:       fmt.Sprintf("%d kills rolled up", len(items)),
		Color:       parseHexColor(rollupColor),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Description: strings.Join(lines, "\n"),
		Footer: &DiscordFooter{
			Text: fmt.Sprintf("Total: %s across %d kills", formatISKValue(total), len(items)),
		},
	}
}

// parseHexColor parses "#RRGGBB" into an int.
func parseHexColor(hexStr string) int {
	var r, g, b int
	if _, err := fmt.Sscanf(hexStr, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return 0xFFFFFF
	}
	return (r << 16) + (g << 8) + b
}

// formatISKValue formats ISK with commas in the thousands place,
// e.g. 1234567.89 => 1,234,567.89 ISK.
func formatISKValue(amount float64) string {
	s := fmt.Sprintf("%.2f", amount)
	parts := strings.Split(s, ".")
	return fmt.Sprintf("%s.%s ISK", insertCommas(parts[0]), parts[1])
}

// insertCommas takes something like "1234567" => "1,234,567".
func insertCommas(numStr string) string {
	if len(numStr) <= 3 {
		return numStr
	}

	negative := false
	if strings.HasPrefix(numStr, "-") {
		negative = true
		numStr = numStr[1:]
	}

	n := len(numStr)
	remainder := n % 3
	if remainder == 0 {
		remainder = 3
	}
	out := numStr[:remainder]
	for i := remainder; i < n; i += 3 {
		out += "," + numStr[i:i+3]
	}

	if negative {
		out = "-" + out
	}
	return out
}
