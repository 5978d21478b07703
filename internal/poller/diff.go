package poller

import (
	"strconv"
	"strings"

	"matchwatch/internal/model"
)

// DiffResult is the outcome of comparing a newest-first id list with the
// persisted last-seen state.
type DiffResult struct {
	// Seed is set when the account has no state yet: SeedID (possibly empty)
	// is recorded and nothing is emitted.
	Seed   bool
	SeedID string
	// Candidates are the new ids, oldest first.
	Candidates []string
	// Truncated is set when the last-seen id was not in the list and every
	// returned id is newer, so older unseen matches may be skipped.
	Truncated bool
}

// Diff computes the new match ids of one account. ids is newest first.
//
// When the last-seen id is missing from the list (the provider dropped it,
// or it fell out of the fetch window) only ids ordered after it are
// candidates; see CompareMatchIDs.
func Diff(ids []string, last model.LastSeen, hasState bool) DiffResult {
	if !hasState {
		r := DiffResult{Seed: true}
		if len(ids) > 0 {
			r.SeedID = ids[0]
		}
		return r
	}

	lastID := last.MatchID()
	cut := len(ids)
	found := false
	if lastID != "" {
		for i, id := range ids {
			if id == lastID {
				cut, found = i, true
				break
			}
		}
	}

	var r DiffResult
	for i := cut - 1; i >= 0; i-- {
		id := ids[i]
		if lastID != "" && !found && !After(id, lastID) {
			continue
		}
		r.Candidates = append(r.Candidates, id)
	}
	r.Truncated = lastID != "" && !found && len(ids) > 0 && len(r.Candidates) == len(ids)
	return r
}

// Newest returns the id the last-seen state advances to after dispatch.
func (r DiffResult) Newest() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	return r.Candidates[len(r.Candidates)-1]
}

// CompareMatchIDs orders two "<PLATFORM>_<n>" ids by their numeric suffix.
// ok is false when the ids do not share a platform prefix or either one
// has no numeric suffix.
func CompareMatchIDs(a, b string) (cmp int, ok bool) {
	pa, na, okA := splitMatchID(a)
	pb, nb, okB := splitMatchID(b)
	if !okA || !okB || !strings.EqualFold(pa, pb) {
		return 0, false
	}
	switch {
	case na < nb:
		return -1, true
	case na > nb:
		return 1, true
	}
	return 0, true
}

// After reports whether id is newer than ref. Ids that cannot be ordered
// are treated as newer; the provider list is the only order left then.
func After(id, ref string) bool {
	c, ok := CompareMatchIDs(id, ref)
	return !ok || c > 0
}

func splitMatchID(id string) (string, uint64, bool) {
	i := strings.LastIndexByte(id, '_')
	if i <= 0 || i == len(id)-1 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return id[:i], n, true
}
