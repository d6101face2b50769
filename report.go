package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/richardartoul/artifactcache/pkg/cache"
)

// Report is the JSON line written to stdout for every command.
type Report struct {
	Command          string        `json:"command"`
	Outcome          cache.Outcome `json:"outcome,omitempty"`
	Key              *string       `json:"key"`
	Tier             int           `json:"tier"`
	Exact            bool          `json:"exact"`
	BytesTransferred int64         `json:"bytesTransferred"`
	Paths            []string      `json:"paths,omitempty"`
	State            cache.State   `json:"state,omitempty"`
	DurationMS       int64         `json:"durationMs"`
	Err              string        `json:"error,omitempty"`
}

func newReport(command string, res cache.Result) Report {
	r := Report{
		Command:          command,
		Outcome:          res.Outcome,
		Tier:             res.Tier,
		Exact:            res.Exact,
		BytesTransferred: res.BytesTransferred,
		Paths:            res.Paths,
		State:            res.State,
		DurationMS:       res.Duration.Milliseconds(),
		Err:              res.Error,
	}
	if res.Key != "" {
		key := res.Key
		r.Key = &key
	}
	return r
}

// Reporter writes reports as JSON lines.
type Reporter struct {
	writer *bufio.Writer
}

// NewReporter creates a reporter writing to w.
func NewReporter(w io.Writer) *Reporter {
	return &Reporter{writer: bufio.NewWriter(w)}
}

// Send writes one report followed by a newline and flushes.
func (r *Reporter) Send(report Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if _, err := r.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	if err := r.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return r.writer.Flush()
}

// githubOutputs returns the step outputs for a report, in a fixed order.
// cache-hit is true only for an exact primary key match.
func githubOutputs(report Report) [][2]string {
	matched := ""
	if report.Key != nil {
		matched = *report.Key
	}
	hit := report.Outcome == cache.OutcomeHit && report.Exact
	return [][2]string{
		{"cache-hit", strconv.FormatBool(hit)},
		{"cache-matched-key", matched},
		{"cache-outcome", string(report.Outcome)},
	}
}

// appendGitHubOutput appends name=value lines to the file at path, which
// is where GitHub Actions reads step outputs from.
func appendGitHubOutput(path string, outputs [][2]string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open GITHUB_OUTPUT: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, kv := range outputs {
		if strings.ContainsAny(kv[1], "\r\n") {
			return fmt.Errorf("output %s contains a newline", kv[0])
		}
		fmt.Fprintf(&b, "%s=%s\n", kv[0], kv[1])
	}
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("failed to write GITHUB_OUTPUT: %w", err)
	}
	return nil
}
