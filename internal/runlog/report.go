package runlog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// BuildReport renders a terminal-friendly report for one run.
func BuildReport(run *Run) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID        : %s\n", run.ID)
	fmt.Fprintf(&out, "Job ID        : %s\n", run.JobID)
	fmt.Fprintf(&out, "Assignment ID : %s\n", renderUnset(run.AssignmentID, "<none>"))
	fmt.Fprintf(&out, "Job type      : %s\n", run.JobType)
	fmt.Fprintf(&out, "Status        : %s\n", run.Status)
	fmt.Fprintf(&out, "Started       : %s\n", run.StartedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Fprintf(&out, "Completed     : %s (%s)\n", run.CompletedAt.Format(time.RFC3339), run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond))
	} else {
		fmt.Fprintf(&out, "Completed     : <running>\n")
	}

	if run.Status == StatusFailed {
		fmt.Fprintf(&out, "Failed stage  : %s\n", renderUnset(run.FailedStage, "<unknown>"))
		fmt.Fprintf(&out, "Error         : %s\n", run.Error)
	}

	if artifacts := artifactNames(run.Output); len(artifacts) > 0 {
		fmt.Fprintf(&out, "Artifacts     :\n")
		for _, a := range artifacts {
			fmt.Fprintf(&out, "  - %s\n", a)
		}
	}

	if len(run.Output) > 0 {
		fmt.Fprintf(&out, "Output        :\n")
		for _, line := range strings.Split(strings.TrimSpace(prettyJSON(run.Output)), "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}
	return out.String()
}

// BuildJSONReport returns run as indented JSON.
func BuildJSONReport(run *Run) (string, error) {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// artifactNames reads the "artifacts" object of a job output, if any.
func artifactNames(raw json.RawMessage) []string {
	var out struct {
		Artifacts map[string]string `json:"artifacts"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &out) != nil {
		return nil
	}
	names := make([]string, 0, len(out.Artifacts))
	for name, file := range out.Artifacts {
		names = append(names, name+" ("+file+")")
	}
	sort.Strings(names)
	return names
}

func prettyJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
