package doctor

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// Output prints doctor progress and results.
type Output struct {
	writer    io.Writer
	useColors bool
}

func NewOutput(w io.Writer, useColors bool) *Output {
	if w == nil {
		w = os.Stdout
	}
	return &Output{writer: w, useColors: useColors}
}

func (o *Output) Header() {
	o.printlnBold("stakeledger doctor")
	o.println(strings.Repeat("=", 18))
}

func (o *Output) CheckStart(index, total int, name string) {
	o.printf("[%d/%d] Checking %s...\n", index, total, name)
}

// CheckResult prints one result with its details and, on failure, the fix hint.
func (o *Output) CheckResult(result CheckResult) {
	var icon, color string
	switch result.Status {
	case StatusOK:
		icon, color = "✓", colorGreen
	case StatusWarning:
		icon, color = "!", colorYellow
	case StatusError:
		icon, color = "✗", colorRed
	case StatusSkipped:
		icon, color = "-", colorDim
	}

	if o.useColors {
		o.printf("  %s%s%s %s\n", color, icon, colorReset, result.Message)
	} else {
		o.printf("  %s %s\n", icon, result.Message)
	}
	if result.Details != "" {
		o.printf("    %s\n", result.Details)
	}
	if result.Status != StatusOK && result.FixCommand != "" {
		o.printf("    Fix: %s\n", result.FixCommand)
	}
}

func (o *Output) Summary(summary Summary) {
	o.println("")
	passed := fmt.Sprintf("%d passed", summary.Passed)
	failed := fmt.Sprintf("%d failed", summary.Failed)
	warned := fmt.Sprintf("%d warnings", summary.Warned)
	if o.useColors {
		passed = colorGreen + passed + colorReset
		if summary.Failed > 0 {
			failed = colorRed + failed + colorReset
		}
		warned = colorYellow + warned + colorReset
	}

	o.printf("Summary: %s, %s", passed, failed)
	if summary.Warned > 0 {
		o.printf(", %s", warned)
	}
	o.println("")
}

func (o *Output) println(s string) {
	fmt.Fprintln(o.writer, s)
}

func (o *Output) printlnBold(s string) {
	if o.useColors {
		fmt.Fprintf(o.writer, "%s%s%s\n", colorBold, s, colorReset)
	} else {
		fmt.Fprintln(o.writer, s)
	}
}

func (o *Output) printf(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}
