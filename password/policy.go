package password

import (
	"context"
	"fmt"
	"time"
	"unicode"
)

// Policy is the acceptance rule set for candidate passwords.
type Policy struct {
	// MinLength is measured in bytes, matching what the hasher consumes.
	MinLength int
	// RequireClasses demands at least one lowercase letter, one uppercase
	// letter, one digit, and one symbol.
	RequireClasses bool
	// HistoryDepth is how many passwords, current included, a candidate
	// may not repeat. Zero disables the reuse check.
	HistoryDepth int
	// MaxAge marks passwords older than this as expired. Zero disables
	// expiry.
	MaxAge time.Duration
}

// CheckStrength returns every strength rule the candidate breaks. An empty
// slice means the candidate is acceptable.
func (p Policy) CheckStrength(candidate string) []string {
	var violations []string

	if len(candidate) < p.MinLength {
		violations = append(violations, fmt.Sprintf("must be at least %d characters", p.MinLength))
	}

	if p.RequireClasses {
		var lower, upper, digit, symbol bool
		for _, r := range candidate {
			switch {
			case unicode.IsLower(r):
				lower = true
			case unicode.IsUpper(r):
				upper = true
			case unicode.IsDigit(r):
				digit = true
			default:
				symbol = true
			}
		}
		if !lower {
			violations = append(violations, "must contain a lowercase letter")
		}
		if !upper {
			violations = append(violations, "must contain an uppercase letter")
		}
		if !digit {
			violations = append(violations, "must contain a digit")
		}
		if !symbol {
			violations = append(violations, "must contain a symbol")
		}
	}

	return violations
}

// CheckReuse reports whether the candidate matches the current hash or any
// retained history entry, up to HistoryDepth entries total. history is
// ordered most recent first; entries beyond the depth are ignored.
//
// Each comparison runs a full argon2 derivation, so cost grows linearly
// with depth.
func (p Policy) CheckReuse(ctx context.Context, h *Hasher, candidate, currentHash string, history []string) (bool, error) {
	if p.HistoryDepth <= 0 {
		return false, nil
	}

	hashes := make([]string, 0, p.HistoryDepth)
	if currentHash != "" {
		hashes = append(hashes, currentHash)
	}
	for _, old := range history {
		if len(hashes) >= p.HistoryDepth {
			break
		}
		hashes = append(hashes, old)
	}

	for _, stored := range hashes {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		match, err := h.Verify(candidate, stored)
		if err != nil {
			// unparsable history entries cannot match; skip them
			continue
		}
		if match {
			return true, nil
		}
	}

	return false, nil
}

// RotateHistory returns the history to store alongside a new hash: the old
// current hash prepended, truncated so current+history together stay within
// HistoryDepth.
func (p Policy) RotateHistory(currentHash string, history []string) []string {
	if p.HistoryDepth <= 1 {
		return nil
	}

	keep := p.HistoryDepth - 1
	out := make([]string, 0, keep)
	if currentHash != "" {
		out = append(out, currentHash)
	}
	for _, old := range history {
		if len(out) >= keep {
			break
		}
		out = append(out, old)
	}
	return out
}

// Expired reports whether a password set at changedAt has aged out, plus
// whole days remaining (negative once past expiry). A zero changedAt is
// treated as not expired.
func (p Policy) Expired(changedAt, now time.Time) (bool, int) {
	if p.MaxAge <= 0 || changedAt.IsZero() {
		return false, 0
	}

	deadline := changedAt.Add(p.MaxAge)
	days := int(deadline.Sub(now).Hours() / 24)
	return now.After(deadline), days
}
