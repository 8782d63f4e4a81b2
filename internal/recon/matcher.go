package recon

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// Match classifies every transaction from both sides into exactly one
// decision. It is a pure function: same inputs and config always produce the
// same output, and no transaction appears in more than one matched pair.
//
// Three passes, in priority order:
//  1. exact reference match (amount and date within tolerance)
//  2. fuzzy reference match (best similarity score above the threshold)
//  3. leftovers become unmatched_app / unmatched_gateway
//
// A transaction eligible for an exact match is never instead given to a
// fuzzy competitor. The candidate pools are local to one call.
func Match(appTxns, gatewayTxns []Transaction, cfg ToleranceConfig) []ItemDecision {
	decisions := make([]ItemDecision, 0, len(appTxns)+len(gatewayTxns))

	appUsed := make([]bool, len(appTxns))
	gwUsed := make([]bool, len(gatewayTxns))

	// Gateway pool indexed by reference for the exact pass.
	gwByRef := make(map[string][]int, len(gatewayTxns))
	for i, g := range gatewayTxns {
		gwByRef[g.Reference] = append(gwByRef[g.Reference], i)
	}

	// Pass 1: exact reference.
	for ai, a := range appTxns {
		best := -1
		for _, gi := range gwByRef[a.Reference] {
			if gwUsed[gi] {
				continue
			}
			g := gatewayTxns[gi]
			if !withinAmountTolerance(a.Amount, g.Amount, cfg) {
				continue
			}
			if dateDiffDays(a.Date, g.Date) > cfg.DateToleranceDays {
				continue
			}
			if best == -1 || betterCandidate(a, gatewayTxns[gi], gatewayTxns[best]) {
				best = gi
			}
		}
		if best == -1 {
			continue
		}
		appUsed[ai] = true
		gwUsed[best] = true
		decisions = append(decisions, pairDecisions(a, gatewayTxns[best])...)
	}

	// Pass 2: fuzzy reference over the remaining pools.
	for ai, a := range appTxns {
		if appUsed[ai] {
			continue
		}
		best := -1
		bestScore := 0.0
		for gi, g := range gatewayTxns {
			if gwUsed[gi] {
				continue
			}
			if !withinAmountTolerance(a.Amount, g.Amount, cfg) {
				continue
			}
			if dateDiffDays(a.Date, g.Date) > cfg.DateToleranceDays {
				continue
			}
			score := Similarity(a.Reference, g.Reference)
			switch {
			case best == -1 || score > bestScore:
				best, bestScore = gi, score
			case score == bestScore && betterCandidate(a, g, gatewayTxns[best]):
				best = gi
			}
		}
		if best == -1 || bestScore < cfg.FuzzyMatchThreshold {
			continue
		}
		appUsed[ai] = true
		gwUsed[best] = true
		decisions = append(decisions, pairDecisions(a, gatewayTxns[best])...)
	}

	// Pass 3: leftovers.
	for ai, a := range appTxns {
		if appUsed[ai] {
			continue
		}
		decisions = append(decisions, ItemDecision{
			TransactionID: a.TransactionID,
			Reference:     a.Reference,
			Amount:        a.Amount,
			Source:        SourceApp,
			Date:          a.Date,
			Status:        StatusUnmatchedApp,
		})
	}
	for gi, g := range gatewayTxns {
		if gwUsed[gi] {
			continue
		}
		decisions = append(decisions, ItemDecision{
			TransactionID: g.TransactionID,
			Reference:     g.Reference,
			Amount:        g.Amount,
			Source:        SourceGateway,
			Date:          g.Date,
			Status:        StatusUnmatchedGateway,
		})
	}

	return decisions
}

// pairDecisions classifies a candidate pair: matched when amounts are exactly
// equal, amount_mismatch when they only fall within tolerance. Exactly two
// decisions, each pointing at the other's transaction id.
func pairDecisions(a, g Transaction) []ItemDecision {
	status := StatusMatched
	if !a.Amount.Equal(g.Amount) {
		status = StatusAmountMismatch
	}
	return []ItemDecision{
		{
			TransactionID:       a.TransactionID,
			Reference:           a.Reference,
			Amount:              a.Amount,
			Source:              SourceApp,
			Date:                a.Date,
			Status:              status,
			LinkedTransactionID: g.TransactionID,
		},
		{
			TransactionID:       g.TransactionID,
			Reference:           g.Reference,
			Amount:              g.Amount,
			Source:              SourceGateway,
			Date:                g.Date,
			Status:              status,
			LinkedTransactionID: a.TransactionID,
		},
	}
}

// betterCandidate reports whether gateway candidate g beats the current best
// for app transaction a. Tie-break order: smallest absolute amount
// difference, then smallest date difference, then lowest transaction id.
func betterCandidate(a, g, cur Transaction) bool {
	gDiff := a.Amount.Sub(g.Amount).Abs()
	curDiff := a.Amount.Sub(cur.Amount).Abs()
	if c := gDiff.Cmp(curDiff); c != 0 {
		return c < 0
	}
	gDays := dateDiffDays(a.Date, g.Date)
	curDays := dateDiffDays(a.Date, cur.Date)
	if gDays != curDays {
		return gDays < curDays
	}
	return g.TransactionID < cur.TransactionID
}

// withinAmountTolerance applies |a-g| <= max(absolute, percentage * max(a,g)).
func withinAmountTolerance(a, g decimal.Decimal, cfg ToleranceConfig) bool {
	diff := a.Sub(g).Abs()
	larger := a
	if g.GreaterThan(a) {
		larger = g
	}
	limit := decimal.NewFromFloat(cfg.AmountPercentageTolerance).Mul(larger)
	if cfg.AmountAbsoluteTolerance.GreaterThan(limit) {
		limit = cfg.AmountAbsoluteTolerance
	}
	return diff.LessThanOrEqual(limit)
}

// dateDiffDays returns the whole-day distance between two timestamps,
// comparing calendar dates in UTC so time-of-day and zone offsets don't
// produce spurious one-day differences.
func dateDiffDays(a, b time.Time) int {
	au, bu := a.UTC(), b.UTC()
	ad := time.Date(au.Year(), au.Month(), au.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(bu.Year(), bu.Month(), bu.Day(), 0, 0, 0, 0, time.UTC)
	days := int(ad.Sub(bd).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days
}

// similarityOptions counts every insert, delete and substitution as one edit.
// The library's defaults charge substitutions double, which is a different
// metric and can push the normalized score below zero.
var similarityOptions = levenshtein.Options{
	InsCost: 1,
	DelCost: 1,
	SubCost: 1,
	Matches: levenshtein.IdenticalRunes,
}

// Similarity computes a normalized Levenshtein similarity score in [0, 100].
// Identical strings score 100; strings with nothing in common score 0.
func Similarity(a, b string) float64 {
	if a == b {
		return 100
	}
	ra, rb := []rune(a), []rune(b)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	if maxLen == 0 {
		return 100
	}
	dist := levenshtein.DistanceForStrings(ra, rb, similarityOptions)
	return 100 * (1 - float64(dist)/float64(maxLen))
}
