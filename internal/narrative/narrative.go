// Package narrative renders an impact summary as a dealer-facing report.
package narrative

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/carreport/dealer-impact/internal/api"
)

var printer = message.NewPrinter(language.English)

// Render produces the fixed-template report for s. It is deterministic and
// has no side effects.
func Render(s *api.Summary, intervention, end time.Time) string {
	days := api.DaysBetween(intervention, end)

	relative := "n/a"
	if s.RelativeEffectPercentage != nil {
		relative = fmt.Sprintf("%.1f%%", *s.RelativeEffectPercentage)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "In the last %d days since integrating with CarReport on %s, your dealership has seen %.1f total sales.\n\n",
		days, api.FormatDate(intervention), s.TotalObservedSales)
	fmt.Fprintf(&b, "Our analysis shows that approximately %.1f of these sales (%s) would not have happened without CarReport.\n\n",
		s.AdditionalSalesFromCarreport, relative)
	fmt.Fprintf(&b, "With an average order value of %s and an average margin of %s per vehicle, CarReport has generated approximately %s in additional profit for your dealership.\n\n",
		Dollars(s.AverageOrderValue), Dollars(s.AverageMargin), Dollars(s.MarginImpact))
	b.WriteString(Significance(s))

	return b.String()
}

// Significance returns the fixed sentence for the summary's verdict.
func Significance(s *api.Summary) string {
	if s.IsStatisticallySignificant {
		return fmt.Sprintf("This result is statistically significant (p-value: %.3f).", s.PValue)
	}
	return fmt.Sprintf("This result is not yet statistically significant (p-value: %.3f). More data may be needed.", s.PValue)
}

// Dollars formats v as whole dollars truncated toward zero, with thousands
// separators: 36123.9 -> "$36,123".
func Dollars(v float64) string {
	whole := decimal.NewFromFloat(v).Truncate(0).IntPart()
	return printer.Sprintf("$%d", whole)
}
