package doctor

import (
	"context"
	"encoding/json"
	"io"
)

// Doctor runs preflight checks against a stakeledger installation: config
// file, keystore wallet, wallet password and the daemon API.
type Doctor struct {
	checkers []Checker
	output   *Output
	writer   io.Writer
	options  Options
}

// New creates a Doctor that writes to w.
func New(opts Options, w io.Writer, useColors bool, checkers ...Checker) *Doctor {
	return &Doctor{
		checkers: checkers,
		output:   NewOutput(w, useColors),
		writer:   w,
		options:  opts,
	}
}

// AddChecker adds a custom checker
func (d *Doctor) AddChecker(c Checker) {
	d.checkers = append(d.checkers, c)
}

// Run executes the checks in order and returns the report.
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	checkers := d.filterCheckers()
	report := &Report{
		Checks: make([]CheckResult, 0, len(checkers)),
	}

	if d.options.JSON {
		for _, checker := range checkers {
			result := checker.Check(ctx)
			report.Checks = append(report.Checks, result)
			report.Summary.add(result)
		}
		enc := json.NewEncoder(d.writer)
		enc.SetIndent("", "  ")
		return report, enc.Encode(report)
	}

	d.output.Header()
	for i, checker := range checkers {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		d.output.CheckStart(i+1, len(checkers), checker.Name())
		result := checker.Check(ctx)
		d.output.CheckResult(result)
		report.Checks = append(report.Checks, result)
		report.Summary.add(result)
	}
	d.output.Summary(report.Summary)

	return report, nil
}

func (d *Doctor) filterCheckers() []Checker {
	if d.options.Category == "" {
		return d.checkers
	}

	filtered := make([]Checker, 0, len(d.checkers))
	for _, c := range d.checkers {
		if c.Category() == d.options.Category {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

func (s *Summary) add(result CheckResult) {
	s.Total++
	switch result.Status {
	case StatusOK:
		s.Passed++
	case StatusError:
		s.Failed++
	case StatusWarning:
		s.Warned++
	case StatusSkipped:
		s.Skipped++
	}
}
