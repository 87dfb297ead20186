package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/leonletto/loom/internal/bridge"
	"github.com/leonletto/loom/internal/lease"
	"github.com/leonletto/loom/internal/sharedctx"
	"github.com/leonletto/loom/internal/team"
)

// FormatTeams renders the team roster.
func FormatTeams(teams []team.Team) string {
	if len(teams) == 0 {
		return "No teams registered\n"
	}

	var b strings.Builder
	for _, t := range teams {
		marker := "●"
		if t.Status == team.StatusIsolated {
			marker = "○"
		}
		name := t.ID
		if t.DisplayName != "" {
			name = fmt.Sprintf("%s (%s)", t.ID, t.DisplayName)
		}
		fmt.Fprintf(&b, "%s %-30s %s", marker, name, t.Status)
		if !t.LastHeartbeat.IsZero() {
			fmt.Fprintf(&b, "  last seen %s ago", formatDuration(time.Since(t.LastHeartbeat)))
		}
		if t.IsolationReason != "" {
			fmt.Fprintf(&b, "  (%s)", t.IsolationReason)
		}
		b.WriteString("\n")
		if len(t.Capabilities) > 0 {
			fmt.Fprintf(&b, "    capabilities: %s\n", strings.Join(t.Capabilities, ", "))
		}
	}
	return b.String()
}

// FormatTeam renders one team in detail.
func FormatTeam(t team.Team) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Team:       %s\n", t.ID)
	if t.DisplayName != "" {
		fmt.Fprintf(&b, "Display:    %s\n", t.DisplayName)
	}
	fmt.Fprintf(&b, "Status:     %s\n", t.Status)
	if t.IsolationReason != "" {
		fmt.Fprintf(&b, "Reason:     %s\n", t.IsolationReason)
	}
	if len(t.Capabilities) > 0 {
		fmt.Fprintf(&b, "Capabilities: %s\n", strings.Join(t.Capabilities, ", "))
	}
	fmt.Fprintf(&b, "Registered: %s\n", t.RegisteredAt.Local().Format(time.RFC3339))
	if !t.LastHeartbeat.IsZero() {
		fmt.Fprintf(&b, "Heartbeat:  %s ago\n", formatDuration(time.Since(t.LastHeartbeat)))
	}
	return b.String()
}

// FormatLeases renders resource reservations.
func FormatLeases(leases []lease.Reservation) string {
	if len(leases) == 0 {
		return "No resources reserved\n"
	}

	var b strings.Builder
	for _, l := range leases {
		expiry := "no expiry"
		if l.ExpiresAt != nil {
			remaining := time.Until(*l.ExpiresAt)
			if remaining <= 0 {
				expiry = "expired"
			} else {
				expiry = fmt.Sprintf("expires in %s", formatDuration(remaining))
			}
		}
		fmt.Fprintf(&b, "%-40s held by %-20s %s\n", l.ResourceID, l.TeamID, expiry)
	}
	return b.String()
}

// FormatBridges renders a team's bridges.
func FormatBridges(bridges []bridge.Bridge) string {
	if len(bridges) == 0 {
		return "No bridges\n"
	}

	var b strings.Builder
	for _, br := range bridges {
		fmt.Fprintf(&b, "%s  %s <-> %s  active %s ago", br.ID, br.SessionA, br.SessionB,
			formatDuration(time.Since(br.LastActivity)))
		if br.Context != "" {
			fmt.Fprintf(&b, "  (%s)", br.Context)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FormatMessages renders a message history oldest first.
func FormatMessages(messages []bridge.Message) string {
	if len(messages) == 0 {
		return "No messages\n"
	}

	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s -> %s: %s\n",
			m.CreatedAt.Local().Format("15:04:05"), m.FromTeam, m.ToTeam, m.Body)
	}
	return b.String()
}

// FormatContext renders the shared context sorted by key.
func FormatContext(entries map[string]sharedctx.Entry) string {
	if len(entries) == 0 {
		return "Shared context is empty\n"
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		e := entries[k]
		fmt.Fprintf(&b, "%-30s = %-30s (%s, %s ago)\n",
			k, e.Value, e.Contributor, formatDuration(time.Since(e.UpdatedAt)))
	}
	return b.String()
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		if minutes > 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	if hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}
