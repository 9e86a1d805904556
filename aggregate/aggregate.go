// Package aggregate selects or merges one result from several candidate
// worker results under a named strategy.
package aggregate

import (
	"fmt"
	"strings"

	"github.com/deskagent/coordinator/bus"
)

// Strategy names a result-selection rule.
type Strategy string

// Supported aggregation strategies.
const (
	StrategyBestConfidence Strategy = "best_confidence"
	StrategyFirstSuccess   Strategy = "first_success"
	StrategyConsensus      Strategy = "consensus"
	StrategyWeightedMerge  Strategy = "weighted_merge"
)

// IsValid reports whether the strategy is one of the supported names.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyBestConfidence, StrategyFirstSuccess, StrategyConsensus, StrategyWeightedMerge:
		return true
	}
	return false
}

// Default thresholds.
const (
	DefaultMinConfidence      = 0.3
	DefaultConsensusThreshold = 0.6
)

// Options tune the candidate filter and the consensus vote.
type Options struct {
	// MinConfidence excludes successful results below this confidence from
	// aggregation.
	MinConfidence float64
	// ConsensusThreshold is the fraction of candidates that must share an
	// action signature for consensus to hold.
	ConsensusThreshold float64
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{
		MinConfidence:      DefaultMinConfidence,
		ConsensusThreshold: DefaultConsensusThreshold,
	}
}

// Select filters candidates and applies the named strategy. Candidates must
// be successful with confidence at or above MinConfidence; when none pass,
// the literal first input result is returned, failed or not, so callers
// always have something to report. Empty input returns nil.
func Select(results []bus.ToolCallResult, strategy Strategy, opts Options) *bus.ToolCallResult {
	if len(results) == 0 {
		return nil
	}

	candidates := filter(results, opts.MinConfidence)
	if len(candidates) == 0 {
		first := results[0]
		return &first
	}

	var picked bus.ToolCallResult
	switch strategy {
	case StrategyFirstSuccess:
		picked = candidates[0]
	case StrategyConsensus:
		picked = consensus(candidates, opts.ConsensusThreshold)
	case StrategyWeightedMerge:
		picked = weightedMerge(candidates)
	default:
		picked = bestConfidence(candidates)
	}
	return &picked
}

// filter keeps successful results meeting the confidence floor, preserving
// input order.
func filter(results []bus.ToolCallResult, minConfidence float64) []bus.ToolCallResult {
	candidates := make([]bus.ToolCallResult, 0, len(results))
	for _, r := range results {
		if r.Success && r.Confidence >= minConfidence {
			candidates = append(candidates, r)
		}
	}
	return candidates
}

// bestConfidence returns the arg-max by confidence. Ties keep the earlier
// result for determinism.
func bestConfidence(candidates []bus.ToolCallResult) bus.ToolCallResult {
	best := candidates[0]
	for _, r := range candidates[1:] {
		if r.Confidence > best.Confidence {
			best = r
		}
	}
	return best
}

// signatureActionLimit caps how many leading actions feed the consensus
// signature; plans agreeing on their opening moves are considered the same
// answer.
const signatureActionLimit = 5

// actionSignature derives a comparable signature from a planning result's
// first declared primitive actions' type tags.
func actionSignature(r bus.ToolCallResult) string {
	if r.Result == nil {
		return ""
	}
	actions, ok := r.Result["actions"].([]any)
	if !ok {
		return ""
	}
	tags := make([]string, 0, signatureActionLimit)
	for i, a := range actions {
		if i >= signatureActionLimit {
			break
		}
		if m, ok := a.(map[string]any); ok {
			if t, ok := m["type"].(string); ok {
				tags = append(tags, t)
				continue
			}
		}
		tags = append(tags, "?")
	}
	return strings.Join(tags, "|")
}

// consensus picks the most frequent action signature. When the winning
// signature's share of all candidates falls below the threshold, it falls
// back to best confidence.
func consensus(candidates []bus.ToolCallResult, threshold float64) bus.ToolCallResult {
	if threshold <= 0 {
		threshold = DefaultConsensusThreshold
	}

	counts := make(map[string]int)
	firstWith := make(map[string]bus.ToolCallResult)
	for _, r := range candidates {
		sig := actionSignature(r)
		counts[sig]++
		if _, seen := firstWith[sig]; !seen {
			firstWith[sig] = r
		}
	}

	var topSig string
	topCount := -1
	for sig, n := range counts {
		if n > topCount || (n == topCount && sig < topSig) {
			topSig = sig
			topCount = n
		}
	}

	if float64(topCount)/float64(len(candidates)) >= threshold {
		return firstWith[topSig]
	}
	return bestConfidence(candidates)
}

// weightedMerge merges candidates whose results are complementary rather
// than competing. Planning-shaped results degrade to best confidence: there
// is no semantically sound merge of alternative action sequences. Vision
// results are keyed by region, so every region's analysis is kept. For
// specialist results, shortcut maps are unioned and workflow lists
// concatenated onto the first successful result.
func weightedMerge(candidates []bus.ToolCallResult) bus.ToolCallResult {
	if len(candidates) == 1 {
		return candidates[0]
	}

	if hasKey(candidates, "actions") {
		return bestConfidence(candidates)
	}
	if hasKey(candidates, "region") {
		return mergeVision(candidates)
	}
	if hasKey(candidates, "shortcuts") || hasKey(candidates, "workflow") {
		return mergeSpecialist(candidates)
	}
	return bestConfidence(candidates)
}

func hasKey(candidates []bus.ToolCallResult, key string) bool {
	for _, r := range candidates {
		if r.Result != nil {
			if _, ok := r.Result[key]; ok {
				return true
			}
		}
	}
	return false
}

// mergeVision keys each candidate's analysis by its region name. Regions are
// disjoint screen areas, not competing answers, so nothing is discarded.
func mergeVision(candidates []bus.ToolCallResult) bus.ToolCallResult {
	merged := candidates[0]
	merged.Result = cloneResult(merged.Result)

	regions := make(map[string]any, len(candidates))
	for i, r := range candidates {
		key, _ := r.Result["region"].(string)
		if key == "" {
			key = fmt.Sprintf("region_%d", i)
		}
		regions[key] = r.Result
	}
	merged.Result["regions"] = regions
	return merged
}

// mergeSpecialist unions shortcut maps and concatenates workflow lists onto
// the first successful candidate.
func mergeSpecialist(candidates []bus.ToolCallResult) bus.ToolCallResult {
	merged := candidates[0]
	merged.Result = cloneResult(merged.Result)

	shortcuts := make(map[string]any)
	var workflow []any
	for _, r := range candidates {
		if r.Result == nil {
			continue
		}
		if m, ok := r.Result["shortcuts"].(map[string]any); ok {
			for k, v := range m {
				if _, exists := shortcuts[k]; !exists {
					shortcuts[k] = v
				}
			}
		}
		if w, ok := r.Result["workflow"].([]any); ok {
			workflow = append(workflow, w...)
		}
	}
	if len(shortcuts) > 0 {
		merged.Result["shortcuts"] = shortcuts
	}
	if len(workflow) > 0 {
		merged.Result["workflow"] = workflow
	}
	return merged
}

func cloneResult(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
