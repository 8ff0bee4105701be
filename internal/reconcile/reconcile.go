// Package reconcile classifies imported transaction candidates against the
// transactions already in a ledger account. It performs no I/O and never
// mutates the ledger; callers decide what to insert from the result.
package reconcile

// MatchType is the classification of one candidate.
type MatchType string

const (
	// Exact means the candidate's import hash is already in the ledger.
	Exact MatchType = "exact"
	// Probable means an existing transaction has the same date and
	// amount but a different import hash.
	Probable MatchType = "probable"
	// New means nothing in the ledger resembles the candidate.
	New MatchType = "new"
)

// probableCeiling is the confidence of an unambiguous Probable match.
const probableCeiling = 0.9

// Split is one category line of a transaction. Amounts are minor units.
type Split struct {
	CategoryID string `json:"category_id,omitempty"`
	Amount     int64  `json:"amount"`
	Memo       string `json:"memo,omitempty"`
}

// Candidate is a transaction parsed from an external source.
type Candidate struct {
	// Date is the booking date as YYYY-MM-DD.
	Date        string  `json:"date"`
	Payee       string  `json:"payee"`
	TotalAmount int64   `json:"total_amount"`
	Splits      []Split `json:"splits,omitempty"`
	ImportHash  string  `json:"import_hash"`
	AccountID   string  `json:"account_id"`
}

// Existing is the projection of a stored transaction used for matching.
type Existing struct {
	ID          string `json:"id"`
	Date        string `json:"date"`
	TotalAmount int64  `json:"total_amount"`
	ImportHash  string `json:"import_hash"`
}

// Match is the result for one candidate. MatchedExistingID is empty for
// New matches.
type Match struct {
	Candidate         Candidate `json:"candidate"`
	MatchedExistingID string    `json:"matched_existing_id,omitempty"`
	Type              MatchType `json:"type"`
	Confidence        float64   `json:"confidence"`
}

type groupKey struct {
	date   string
	amount int64
}

// Reconcile returns one Match per candidate, in candidate order. The
// result depends only on the inputs, including candidate order:
//
//  1. A candidate whose import hash equals an existing record's is Exact
//     with confidence 1.0. Each existing record is consumed by at most
//     one candidate; earlier candidates win.
//  2. Remaining candidates sharing (date, amount) with a remaining
//     existing record are Probable, matched to the smallest existing ID
//     in that group, with confidence 0.9 divided by the larger of the
//     candidate and existing counts for the key.
//  3. Everything else is New with confidence 1.0.
func Reconcile(candidates []Candidate, existing []Existing) []Match {
	matches := make([]Match, len(candidates))
	consumed := make([]bool, len(existing))

	byHash := make(map[string][]int, len(existing))
	for i, e := range existing {
		if e.ImportHash == "" {
			continue
		}
		byHash[e.ImportHash] = append(byHash[e.ImportHash], i)
	}

	pending := make([]int, 0, len(candidates))

	for ci, c := range candidates {
		if idx, ok := takeByHash(byHash, consumed, c.ImportHash); ok {
			consumed[idx] = true
			matches[ci] = Match{
				Candidate:         c,
				MatchedExistingID: existing[idx].ID,
				Type:              Exact,
				Confidence:        1.0,
			}

			continue
		}

		pending = append(pending, ci)
	}

	remaining := make(map[groupKey][]string)
	for i, e := range existing {
		if consumed[i] {
			continue
		}
		k := groupKey{e.Date, e.TotalAmount}
		remaining[k] = append(remaining[k], e.ID)
	}

	candidateCount := make(map[groupKey]int)
	for _, ci := range pending {
		c := candidates[ci]
		candidateCount[groupKey{c.Date, c.TotalAmount}]++
	}

	for _, ci := range pending {
		c := candidates[ci]
		k := groupKey{c.Date, c.TotalAmount}

		ids := remaining[k]
		if len(ids) == 0 {
			matches[ci] = Match{Candidate: c, Type: New, Confidence: 1.0}
			continue
		}

		n := max(candidateCount[k], len(ids))
		matches[ci] = Match{
			Candidate:         c,
			MatchedExistingID: smallest(ids),
			Type:              Probable,
			Confidence:        probableCeiling / float64(n),
		}
	}

	return matches
}

func takeByHash(byHash map[string][]int, consumed []bool, hash string) (int, bool) {
	if hash == "" {
		return 0, false
	}

	for _, idx := range byHash[hash] {
		if !consumed[idx] {
			return idx, true
		}
	}

	return 0, false
}

func smallest(ids []string) string {
	best := ids[0]
	for _, id := range ids[1:] {
		if id < best {
			best = id
		}
	}

	return best
}

// Summary counts matches per type.
type Summary struct {
	Exact    int `json:"exact"`
	Probable int `json:"probable"`
	New      int `json:"new"`
}

// Total is the number of classified candidates.
func (s Summary) Total() int { return s.Exact + s.Probable + s.New }

// Summarize counts matches per type.
func Summarize(matches []Match) Summary {
	var s Summary

	for _, m := range matches {
		switch m.Type {
		case Exact:
			s.Exact++
		case Probable:
			s.Probable++
		case New:
			s.New++
		}
	}

	return s
}

// ByType returns the matches of one type, preserving order.
func ByType(matches []Match, t MatchType) []Match {
	var out []Match

	for _, m := range matches {
		if m.Type == t {
			out = append(out, m)
		}
	}

	return out
}
