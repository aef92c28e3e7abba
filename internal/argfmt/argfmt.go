// Package argfmt builds the argument vector appended to a job's command
// template (§4.7). It never invokes a shell and applies no quoting: the
// caller must spawn with an argv-based API so values containing spaces
// survive verbatim.
package argfmt

import "github.com/jobrunner/batchsched/internal/job"

// Positional returns the job's param values in the store's fixed column
// order. Empty strings are kept as placeholders.
func Positional(j *job.Job) []string {
	return j.ParamValues()
}

// Named returns the flattened [--k1, v1, --k2, v2, ...] sequence in
// column order. Column names are used verbatim.
func Named(j *job.Job) []string {
	out := make([]string, 0, len(j.ParamOrder)*2)
	for _, k := range j.ParamOrder {
		out = append(out, "--"+k, j.Params[k])
	}
	return out
}

// Build returns Positional(j) or Named(j) depending on named.
func Build(j *job.Job, named bool) []string {
	if named {
		return Named(j)
	}
	return Positional(j)
}
