package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/ppiankov/ward/internal/decision"
)

// Filter selects entries. Zero fields match everything.
type Filter struct {
	AgentID string
	Type    EventType
	Unknown string
	From    time.Time
	To      time.Time
}

// Summary counts entries by kind.
type Summary struct {
	Total          int    `json:"total"`
	Decisions      int    `json:"decisions"`
	Approved       int    `json:"approved"`
	Denied         int    `json:"denied"`
	NeedsHuman     int    `json:"needs_human"`
	Actions        int    `json:"actions"`
	Revocations    int    `json:"revocations"`
	Violations     int    `json:"violations"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// scanLines calls fn with each line of the log and its 1-based number.
// line is only valid until fn returns.
func scanLines(path string, fn func(n int, line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	n := 0
	for scanner.Scan() {
		n++
		if err := fn(n, scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}
	return nil
}

// ReadAll reads every well-formed entry in file order. Malformed lines are
// skipped; use Verify to detect them.
func ReadAll(path string) ([]Entry, error) {
	var entries []Entry
	err := scanLines(path, func(_ int, line []byte) error {
		var entry Entry
		if json.Unmarshal(line, &entry) == nil {
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Select returns the entries matching every set field of f.
func Select(entries []Entry, f Filter) []Entry {
	var out []Entry
	for _, e := range entries {
		if f.AgentID != "" && e.AgentID != f.AgentID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Unknown != "" && !slices.Contains(e.KnownUnknowns, f.Unknown) {
			continue
		}

		// Time range filtering
		if !f.From.IsZero() || !f.To.IsZero() {
			ts, err := time.Parse(TimestampFormat, e.Timestamp)
			if err != nil {
				continue // skip unparseable timestamps
			}
			if !f.From.IsZero() && ts.Before(f.From) {
				continue
			}
			if !f.To.IsZero() && ts.After(f.To) {
				continue
			}
		}

		out = append(out, e)
	}
	return out
}

func ForAgent(entries []Entry, agentID string) []Entry {
	return Select(entries, Filter{AgentID: agentID})
}

func ByType(entries []Entry, t EventType) []Entry {
	return Select(entries, Filter{Type: t})
}

// WithUnknown returns entries that flagged the given known unknown.
func WithUnknown(entries []Entry, unknown string) []Entry {
	return Select(entries, Filter{Unknown: unknown})
}

// Recent returns up to limit entries, newest first. The log is append-only,
// so file order is chronological.
func Recent(entries []Entry, limit int) []Entry {
	out := slices.Clone(entries)
	slices.Reverse(out)
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Summarize counts entries by event type and decision outcome.
func Summarize(entries []Entry) Summary {
	var s Summary
	for _, e := range entries {
		s.Total++
		switch e.Type {
		case EventDecision:
			s.Decisions++
			if e.Decision != nil {
				switch e.Decision.Outcome {
				case decision.Approved:
					s.Approved++
				case decision.Denied:
					s.Denied++
				case decision.NeedsHuman:
					s.NeedsHuman++
				}
			}
		case EventAction:
			s.Actions++
		case EventLeaseRevoked:
			s.Revocations++
		case EventViolation:
			s.Violations++
		}

		if s.FirstTimestamp == "" {
			s.FirstTimestamp = e.Timestamp
		}
		s.LastTimestamp = e.Timestamp
	}
	return s
}
