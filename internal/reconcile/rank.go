// Package reconcile derives canonical prices from raw provider rows.
//
// Candidates are ranked by a total ordering: OK status first, then the number of
// populated price fields, then the most recent ingestion. Candidates tied on all
// three are ordered by configured provider priority and then provider name.
// An existing canonical
// row is only replaced by a candidate that ranks strictly higher, so repeated
// reconciliation of the same raw rows is a no-op.
package reconcile

import (
	"math"
	"sort"
	"time"

	"github.com/dwsmith1983/tridx/pkg/types"
)

// AgreementTolerance is the relative difference under which two prices agree.
const AgreementTolerance = 1e-6

// Compare orders two candidates. It returns >0 when a ranks above b, <0 when b
// ranks above a, and 0 when neither is preferred.
func Compare(a, b types.RawPriceRecord) int {
	if sa, sb := statusRank(a.Status), statusRank(b.Status); sa != sb {
		return sa - sb
	}
	if na, nb := a.NonNullPrices(), b.NonNullPrices(); na != nb {
		return na - nb
	}
	switch {
	case a.IngestedAt.After(b.IngestedAt):
		return 1
	case a.IngestedAt.Before(b.IngestedAt):
		return -1
	}
	return 0
}

func statusRank(s types.PriceStatus) int {
	if s == types.PriceOK {
		return 1
	}
	return 0
}

// Rank returns the candidates sorted best first. Ties under Compare go to the
// provider with the lower priority value, then to provider name, so the result
// does not depend on input order. Providers missing from priority count as 0.
func Rank(rows []types.RawPriceRecord, priority map[string]int) []types.RawPriceRecord {
	out := make([]types.RawPriceRecord, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool {
		if c := Compare(out[i], out[j]); c != 0 {
			return c > 0
		}
		if pi, pj := priority[out[i].Provider], priority[out[j].Provider]; pi != pj {
			return pi < pj
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

// Best returns the highest-ranked candidate.
func Best(rows []types.RawPriceRecord, priority map[string]int) (types.RawPriceRecord, bool) {
	if len(rows) == 0 {
		return types.RawPriceRecord{}, false
	}
	return Rank(rows, priority)[0], true
}

// Priorities maps provider name to its configured priority.
func Priorities(providers []types.ProviderConfig) map[string]int {
	out := make(map[string]int, len(providers))
	for _, p := range providers {
		out[p.Name] = p.Priority
	}
	return out
}

// AsCandidate expresses an existing canonical row as a ranking candidate.
func AsCandidate(c types.CanonicalPriceRecord) types.RawPriceRecord {
	return types.RawPriceRecord{
		Provider:   c.SourceProvider,
		Ticker:     c.Ticker,
		TradeDate:  c.TradeDate,
		Close:      c.Close,
		AdjClose:   c.AdjClose,
		Status:     types.PriceOK,
		IngestedAt: c.SourceIngested,
	}
}

// Agree reports whether two prices are equal within AgreementTolerance.
func Agree(a, b float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= AgreementTolerance*scale
}

func refPrice(closePx, adj *float64) (float64, bool) {
	if adj != nil {
		return *adj, true
	}
	if closePx != nil {
		return *closePx, true
	}
	return 0, false
}

// Options alters derivation.
type Options struct {
	// Override replaces the existing canonical row even when the best candidate
	// does not rank above it, and replaces rows previously marked as overrides.
	Override bool
	// Priority breaks ranking ties between providers; lower values win.
	Priority map[string]int
}

// Derive computes the canonical row for one key. It returns changed=false when
// the existing row already reflects the candidates. When no candidate is OK there
// is nothing to derive and rec is nil.
func Derive(rows []types.RawPriceRecord, existing *types.CanonicalPriceRecord, opts Options, now time.Time) (rec *types.CanonicalPriceRecord, changed bool) {
	var ok []types.RawPriceRecord
	for _, r := range rows {
		if r.Status == types.PriceOK && r.NonNullPrices() > 0 {
			ok = append(ok, r)
		}
	}
	if len(ok) == 0 {
		return nil, false
	}
	best, _ := Best(ok, opts.Priority)

	var next types.CanonicalPriceRecord
	replace := existing == nil || opts.Override ||
		(!existing.Override && Compare(best, AsCandidate(*existing)) > 0)
	if replace {
		next = types.CanonicalPriceRecord{
			Ticker:         best.Ticker,
			TradeDate:      best.TradeDate,
			Close:          best.Close,
			AdjClose:       best.AdjClose,
			SourceProvider: best.Provider,
			SourceIngested: best.IngestedAt,
			Override:       opts.Override,
		}
	} else {
		next = *existing
	}

	next.NProviders, next.Quality = agreement(ok, next.Close, next.AdjClose)

	if existing != nil && sameCanonical(*existing, next) {
		return existing, false
	}
	next.UpdatedAt = now
	return &next, true
}

func agreement(ok []types.RawPriceRecord, closePx, adj *float64) (int, types.CanonicalQuality) {
	ref, has := refPrice(closePx, adj)
	n := 0
	if has {
		for _, r := range ok {
			if p, rhas := refPrice(r.Close, r.AdjClose); rhas && Agree(p, ref) {
				n++
			}
		}
	}
	switch {
	case len(ok) == 1:
		return n, types.QualitySingle
	case n >= 2:
		return n, types.QualityConsensus
	default:
		return n, types.QualityConflict
	}
}

func sameCanonical(a, b types.CanonicalPriceRecord) bool {
	return a.Ticker == b.Ticker &&
		a.TradeDate.Equal(b.TradeDate) &&
		floatPtrEqual(a.Close, b.Close) &&
		floatPtrEqual(a.AdjClose, b.AdjClose) &&
		a.NProviders == b.NProviders &&
		a.Quality == b.Quality &&
		a.SourceProvider == b.SourceProvider &&
		a.SourceIngested.Equal(b.SourceIngested) &&
		a.Override == b.Override
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
