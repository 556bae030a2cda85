package simulate

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Write renders the report as "yaml" or "json".
func (r *Report) Write(w io.Writer, format string) error {
	switch format {
	case "", "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	default:
		return fmt.Errorf("simulate: unknown report format %q", format)
	}
}

// Failures lists every failed expectation, prefixed with its step.
func (r *Report) Failures() []string {
	var out []string
	for _, st := range r.Steps {
		for _, f := range st.Failures {
			out = append(out, fmt.Sprintf("step %d (%s): %s", st.Index, st.Step, f))
		}
	}
	return out
}
