// Package results turns remote benchmark output into structured records and
// aggregates them into the run report.
package results

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/fsbench/FSBench/benchmark"
	"github.com/fsbench/FSBench/target"
)

// Operations are the benchmark's measured filesystem operations, in the
// order they appear in a results file.
var Operations = []string{"CREATE", "COPY", "DELETE"}

var durationLine = regexp.MustCompile(`^([A-Z]+): ([0-9]+)ms$`)

// Record is the parsed timing data of one instance. DurationsMS only carries
// the operations that parsed; a complete record has all three and Done set.
type Record struct {
	DurationsMS map[string]int64
	Done        bool
}

// ParseError reports a results file that deviates from the contract. The
// record returned alongside it keeps whatever durations did parse.
type ParseError struct {
	Missing    []string // expected lines absent or malformed
	Unexpected []string // lines outside the contract
}

func (e *ParseError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing lines: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("unexpected lines: %q", e.Unexpected))
	}
	return "malformed results file: " + strings.Join(parts, "; ")
}

// Parse reads a results file. The contract is exactly four lines:
//
//	CREATE: <int>ms
//	COPY: <int>ms
//	DELETE: <int>ms
//	DONE
//
// Any deviation yields a *ParseError together with a partial record keeping
// the durations that were present.
func Parse(buf []byte) (*Record, error) {
	rec := &Record{DurationsMS: map[string]int64{}}
	var unexpected []string
	for _, line := range strings.Split(string(buf), "\n") {
		if line == "" {
			continue
		}
		if line == benchmark.DoneSentinel {
			rec.Done = true
			continue
		}
		m := durationLine.FindStringSubmatch(line)
		if m == nil || !slices.Contains(Operations, m[1]) {
			unexpected = append(unexpected, line)
			continue
		}
		ms, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			unexpected = append(unexpected, line)
			continue
		}
		rec.DurationsMS[m[1]] = ms
	}

	var missing []string
	for _, op := range Operations {
		if _, ok := rec.DurationsMS[op]; !ok {
			missing = append(missing, op)
		}
	}
	if !rec.Done {
		missing = append(missing, benchmark.DoneSentinel)
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		return rec, &ParseError{Missing: missing, Unexpected: unexpected}
	}
	return rec, nil
}

// Collect downloads the instance's results file and parses it. Transport
// failures pass through untouched so the caller can tell a missing file from
// a malformed one.
func Collect(ctx context.Context, t target.Target) (*Record, error) {
	var buf bytes.Buffer
	if err := t.Download(ctx, benchmark.ResultsPath, &buf); err != nil {
		return nil, err
	}
	return Parse(buf.Bytes())
}
