package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/kalambet/gemi/internal/api"
	"github.com/kalambet/gemi/internal/recovery"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+fmt.Sprintf(format, args...)))
}

// formatProgress renders a download state as "42.0% (1.2 GB of 3.0 GB)".
func formatProgress(st api.DownloadState) string {
	pct := fmt.Sprintf("%.1f%%", st.Progress*100)
	if st.BytesTotal > 0 {
		return fmt.Sprintf("%s (%s of %s)", pct,
			humanize.Bytes(uint64(st.BytesDone)), humanize.Bytes(uint64(st.BytesTotal)))
	}
	if st.BytesDone > 0 {
		return fmt.Sprintf("%s (%s)", pct, humanize.Bytes(uint64(st.BytesDone)))
	}
	return pct
}

// printRemedies lists recovery options, numbered in rank order.
func printRemedies(w io.Writer, opts []recovery.Option) {
	if len(opts) == 0 {
		return
	}
	fmt.Fprintln(w, colorize(colorBold, "What you can do:"))
	for i, o := range opts {
		line := fmt.Sprintf("  %d. %s", i+1, o.Description)
		if o.NeedsInput {
			line += colorize(colorCyan, fmt.Sprintf("  (gemi recover --run %s --input <value>)", o.Action))
		} else if !isInformational(o.Action) {
			line += colorize(colorCyan, fmt.Sprintf("  (gemi recover --run %s)", o.Action))
		}
		fmt.Fprintln(w, line)
	}
}

func isInformational(a recovery.Action) bool {
	return a == recovery.ManualSetup || a == recovery.GetHelp
}
