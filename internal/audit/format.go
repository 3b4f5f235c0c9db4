package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders entries as a human-readable text timeline.
func FormatTimeline(entries []Entry) string {
	if len(entries) == 0 {
		return "No audit entries found.\n"
	}

	var b strings.Builder

	s := Summarize(entries)
	b.WriteString(fmt.Sprintf("Audit: %s–%s UTC\n", formatDateRange(s.FirstTimestamp), formatTimeOnly(s.LastTimestamp)))
	b.WriteString(separator + "\n")

	for _, e := range entries {
		ts := formatTimeOnly(e.Timestamp)
		event := strings.ToUpper(string(e.Type))
		agent := truncate(e.AgentID, 16)
		b.WriteString(fmt.Sprintf("%-10s %-14s %-17s %s\n", ts, event, agent, truncate(describe(e), 60)))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(s))

	return b.String()
}

// FormatJSON renders entries as indented JSON.
func FormatJSON(entries []Entry) (string, error) {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal audit entries: %w", err)
	}
	return string(data), nil
}

func describe(e Entry) string {
	switch {
	case e.Decision != nil:
		return fmt.Sprintf("%s %s", e.Decision.Outcome, e.Decision.RequestedAction)
	case e.Revocation != nil:
		return fmt.Sprintf("%s lease %s", e.Revocation.Reason, e.Revocation.LeaseID)
	case e.Violation != nil:
		return fmt.Sprintf("%s %s", e.Violation.Type, e.Violation.Description)
	default:
		return e.ActionTaken
	}
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s Summary) string {
	parts := []string{}
	if s.Approved > 0 {
		parts = append(parts, fmt.Sprintf("%d approved", s.Approved))
	}
	if s.Denied > 0 {
		parts = append(parts, fmt.Sprintf("%d denied", s.Denied))
	}
	if s.NeedsHuman > 0 {
		parts = append(parts, fmt.Sprintf("%d needs_human", s.NeedsHuman))
	}
	if s.Actions > 0 {
		parts = append(parts, fmt.Sprintf("%d actions", s.Actions))
	}
	if s.Violations > 0 {
		parts = append(parts, fmt.Sprintf("%d violations", s.Violations))
	}
	if s.Revocations > 0 {
		parts = append(parts, fmt.Sprintf("%d revocations", s.Revocations))
	}
	return fmt.Sprintf("Summary: %d entries | %s\n", s.Total, strings.Join(parts, ", "))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
