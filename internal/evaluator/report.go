package evaluator

import (
	"fmt"
	"math"
	"strings"
)

// summaryTable renders the headline metrics as a pipe table in metric order.
func summaryTable(r Results) string {
	var b strings.Builder

	for i, name := range metricNames {
		if i > 0 {
			b.WriteString("|")
		}
		fmt.Fprintf(&b, " %-6s ", name)
	}
	b.WriteString("\n")
	for i := range metricNames {
		if i > 0 {
			b.WriteString("|")
		}
		b.WriteString(strings.Repeat("-", 8))
	}
	b.WriteString("\n")
	for i, name := range metricNames {
		if i > 0 {
			b.WriteString("|")
		}
		fmt.Fprintf(&b, " %-6s ", formatValue(r[name]))
	}
	return b.String()
}

// perCategoryTable renders per-category AP as a pipe table, three
// (category, AP) pairs per row.
func perCategoryTable(names []string, aps []float64) string {
	const pairsPerRow = 3

	var b strings.Builder
	b.WriteString("| category | AP | category | AP | category | AP |\n")
	b.WriteString("|----------|----|----------|----|----------|----|")

	for i := 0; i < len(names); i += pairsPerRow {
		b.WriteString("\n|")
		for j := i; j < i+pairsPerRow; j++ {
			if j < len(names) {
				fmt.Fprintf(&b, " %s | %s |", names[j], formatValue(aps[j]))
			} else {
				b.WriteString("  |  |")
			}
		}
	}
	return b.String()
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return fmt.Sprintf("%.3f", v)
}
