package tracker

import "strings"

// Verdict classifies the authority's free-text coverage state.
type Verdict int

// Coverage verdicts recognized by the state machine.
const (
	// VerdictIndexed means the authority confirms the URL is indexed.
	VerdictIndexed Verdict = iota
	// VerdictDiscovered means the URL is known to the authority but not
	// yet indexed; this is the only verdict that consumes retry budget.
	VerdictDiscovered
	// VerdictUnknown covers every other wording; the item is retried
	// without consuming budget.
	VerdictUnknown
)

// ClassifyCoverage maps a coverage state string onto a Verdict.
//
// The authority reports coverage as free text (e.g. "Submitted and indexed",
// "Discovered - currently not indexed"), so this is a substring heuristic:
// "indexed" without "not indexed" wins, then "discovered". Kept in one place
// so it can be swapped for a real enum mapping if the contract is ever
// formalized.
func ClassifyCoverage(coverageState string) Verdict {
	state := strings.ToLower(coverageState)
	switch {
	case strings.Contains(state, "indexed") && !strings.Contains(state, "not indexed"):
		return VerdictIndexed
	case strings.Contains(state, "discovered"):
		return VerdictDiscovered
	default:
		return VerdictUnknown
	}
}
