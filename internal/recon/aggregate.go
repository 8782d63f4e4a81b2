package recon

// Summarize computes run-level totals from a set of item decisions.
// Pure function: item counts per status, amounts summed per source, and the
// absolute discrepancy between the two sides. A matched pair contributes two
// items, so its two decisions both count toward TotalMatched.
func Summarize(items []ItemDecision) RunAggregates {
	agg := RunAggregates{}
	for _, it := range items {
		switch it.Status {
		case StatusMatched:
			agg.TotalMatched++
		case StatusAmountMismatch:
			agg.TotalAmountMismatch++
		case StatusUnmatchedApp:
			agg.TotalUnmatchedApp++
		case StatusUnmatchedGateway:
			agg.TotalUnmatchedGateway++
		}

		switch it.Source {
		case SourceApp:
			agg.TotalAppAmount = agg.TotalAppAmount.Add(it.Amount)
		case SourceGateway:
			agg.TotalGatewayAmount = agg.TotalGatewayAmount.Add(it.Amount)
		}
	}
	agg.TotalDiscrepancy = agg.TotalAppAmount.Sub(agg.TotalGatewayAmount).Abs()
	return agg
}
