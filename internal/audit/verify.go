package audit

import (
	"encoding/json"
	"errors"
	"fmt"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Head      string `json:"head,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// lineError stops a scan at a bad line.
type lineError struct {
	line int
	msg  string
}

func (e *lineError) Error() string { return e.msg }

// Verify walks the log and checks that every line is a well-formed entry
// whose prev_hash is the hash of the line before it, starting from
// GenesisHash. It reports the first broken line.
func Verify(path string) VerifyResult {
	prev := GenesisHash
	lines := 0
	err := scanLines(path, func(n int, line []byte) error {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return &lineError{n, fmt.Sprintf("parse error: %v", err)}
		}
		if msg := checkShape(e); msg != "" {
			return &lineError{n, msg}
		}
		if e.PrevHash != prev {
			if n == 1 {
				return &lineError{n, fmt.Sprintf("first entry prev_hash is %q, expected genesis hash", e.PrevHash)}
			}
			return &lineError{n, fmt.Sprintf("hash mismatch: expected %s, got %s", prev, e.PrevHash)}
		}
		prev = HashLine(line)
		lines = n
		return nil
	})

	var le *lineError
	switch {
	case errors.As(err, &le):
		return VerifyResult{Lines: le.line - 1, Error: le.msg, ErrorLine: le.line}
	case err != nil:
		return VerifyResult{Error: err.Error()}
	}
	return VerifyResult{Valid: true, Lines: lines, Head: prev}
}

// checkShape reports what is wrong with an entry whose fields do not fit its
// event type, or "" when it is well formed.
func checkShape(e Entry) string {
	if e.ID == "" {
		return "entry has no entry_id"
	}
	switch e.Type {
	case EventDecision:
		if e.Decision == nil {
			return "decision entry has no decision"
		}
	case EventLeaseRevoked:
		if e.Revocation == nil {
			return "lease_revoked entry has no revocation"
		}
	case EventViolation:
		if e.Violation == nil {
			return "violation entry has no violation"
		}
	case EventAction:
		if e.ActionTaken == "" {
			return "action entry has no action_taken"
		}
	default:
		return fmt.Sprintf("unknown event_type %q", e.Type)
	}
	return ""
}
