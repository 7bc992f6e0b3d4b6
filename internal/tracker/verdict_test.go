package tracker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyCoverage(t *testing.T) {
	tests := []struct {
		name     string
		coverage string
		want     Verdict
	}{
		{name: "submitted and indexed", coverage: "Submitted and indexed", want: VerdictIndexed},
		{name: "indexed not submitted", coverage: "Indexed, not submitted in sitemap", want: VerdictIndexed},
		{name: "discovered not indexed", coverage: "Discovered - currently not indexed", want: VerdictDiscovered},
		{name: "crawled not indexed", coverage: "Crawled - currently not indexed", want: VerdictUnknown},
		{name: "case insensitive", coverage: "SUBMITTED AND INDEXED", want: VerdictIndexed},
		{name: "empty", coverage: "", want: VerdictUnknown},
		{name: "unrecognized", coverage: "Blocked by robots.txt", want: VerdictUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ClassifyCoverage(tt.coverage))
		})
	}
}
