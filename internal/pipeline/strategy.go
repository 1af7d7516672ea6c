package pipeline

import "caseanalysis-backend/internal/runs"

// SelectStrategy picks the reducer. An explicit refine or batch override
// wins; otherwise up to threshold documents are refined sequentially and
// larger sets are consolidated in parallel batches.
func SelectStrategy(documentCount int, override runs.Strategy, threshold int) runs.Strategy {
	switch override {
	case runs.StrategyRefine, runs.StrategyBatch:
		return override
	}
	if documentCount <= threshold {
		return runs.StrategyRefine
	}
	return runs.StrategyBatch
}
