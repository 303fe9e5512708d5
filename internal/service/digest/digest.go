// Package digest implements the session digest protocol (component D): a
// per-conversation content-addressed hash chain used to detect reuse,
// rollback, branching, and tampering of message history.
package digest

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/fairyhunter13/sessionadmit/internal/domain"
)

// unitLen is the fixed width of one digest unit: a 1-char role prefix plus
// 8 lowercase hex chars.
const unitLen = 9

const (
	prefixUser  = '-'
	prefixOther = '_'
)

// Compute builds the digest for an ordered message list, skipping system
// messages, per §4.D's construction rules.
func Compute(messages []domain.Message) string {
	var out []byte
	idx := 0
	for _, m := range messages {
		if m.Role == domain.RoleSystem {
			continue
		}
		out = append(out, unit(m, idx)...)
		idx++
	}
	return string(out)
}

func unit(m domain.Message, idx int) []byte {
	prefix := byte(prefixOther)
	if m.Role == domain.RoleUser {
		prefix = prefixUser
	}

	serialized := serializeContent(m.Content, idx)
	// xxhash/v2 exposes only a 64-bit sum; the low 32 bits give the same
	// distribution properties the digest needs (collision-resistant content
	// addressing, not cryptographic integrity) at half the hex width.
	sum := uint32(xxhash.Sum64(serialized))

	out := make([]byte, 0, unitLen)
	out = append(out, prefix)
	out = append(out, []byte(fmt.Sprintf("%08x", sum))...)
	return out
}

func serializeContent(parts []domain.ContentPart, idx int) []byte {
	if len(parts) == 0 {
		return []byte(fmt.Sprintf("__empty_message_%d__", idx))
	}
	b, err := json.Marshal(parts)
	if err != nil {
		// Deterministic fallback: content that can't marshal still
		// participates via its salt, rather than panicking mid-request.
		return []byte(fmt.Sprintf("__empty_message_%d__", idx))
	}
	return b
}

// commonUnits compares two digests unit-by-unit left to right and returns
// the count of leading units that match exactly.
func commonUnits(oldDigest, newDigest string) int {
	oldN := len(oldDigest) / unitLen
	newN := len(newDigest) / unitLen
	n := oldN
	if newN < n {
		n = newN
	}
	count := 0
	for i := 0; i < n; i++ {
		o := oldDigest[i*unitLen : (i+1)*unitLen]
		nw := newDigest[i*unitLen : (i+1)*unitLen]
		if o != nw {
			break
		}
		count++
	}
	return count
}

func unitAt(d string, idx int) string {
	return d[idx*unitLen : (idx+1)*unitLen]
}

// Classify implements the transition table from §4.D. It never mutates
// either digest and performs no I/O.
func Classify(oldDigest, newDigest string) (domain.DigestTransition, error) {
	if oldDigest == "" {
		return domain.TransitionCreate, nil
	}
	if oldDigest == newDigest {
		return domain.TransitionRefresh, nil
	}

	oldN := len(oldDigest) / unitLen
	newN := len(newDigest) / unitLen
	c := commonUnits(oldDigest, newDigest)

	if c == 0 {
		return "", domain.ErrContentMismatch
	}

	switch {
	case newN > oldN:
		if newN == oldN+1 && c == oldN {
			return domain.TransitionAppend, nil
		}
		return "", domain.ErrAppendViolation
	case newN < oldN:
		if c == newN && unitAt(newDigest, newN-1)[0] == prefixUser {
			return domain.TransitionRollback, nil
		}
		return "", domain.ErrRollbackViolation
	default: // newN == oldN, c < newN (oldDigest != newDigest already excluded equal case)
		if unitAt(oldDigest, c-1)[0] == prefixUser {
			return domain.TransitionBranch, nil
		}
		return "", domain.ErrBranchViolation
	}
}
