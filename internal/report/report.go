// Package report renders the month-to-date spend widget.
//
// DESIGN: A read-through of the account's cost-and-usage API: unblended
// cost for the monitored services plus anything carrying the solution's
// cost allocation tag, grouped by service, rendered as the HTML fragment
// the dashboard widget displays. Nothing here feeds the accounting
// pipeline; it exists for the operator.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"

	"github.com/qubitcloud/cost-guard/internal/money"
)

const costMetric = "UnblendedCost"

// CostExplorerAPI is the subset of the Cost Explorer API the widget uses.
type CostExplorerAPI interface {
	GetCostAndUsage(ctx context.Context, in *costexplorer.GetCostAndUsageInput, opts ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
}

// Widget produces the spend report.
type Widget struct {
	client   CostExplorerAPI
	tagKey   string
	tagValue string
	services []string
}

// NewWidget builds a widget monitoring the given services and the
// resources tagged tagKey=tagValue.
func NewWidget(client CostExplorerAPI, tagKey, tagValue string, services []string) *Widget {
	return &Widget{client: client, tagKey: tagKey, tagValue: tagValue, services: services}
}

// Render queries month-to-date spend and renders the widget HTML.
// On the first of a month the previous month is reported, since the
// current month has no complete day of data yet.
func (w *Widget) Render(ctx context.Context, today time.Time) (string, error) {
	end := today
	if end.Day() == 1 {
		end = end.AddDate(0, 0, -1)
	}
	start := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, end.Location())
	startStr := start.Format("2006-01-02")
	endStr := end.Format("2006-01-02")

	out, err := w.client.GetCostAndUsage(ctx, &costexplorer.GetCostAndUsageInput{
		TimePeriod: &types.DateInterval{
			Start: aws.String(startStr),
			End:   aws.String(endStr),
		},
		Granularity: types.GranularityMonthly,
		Metrics:     []string{costMetric},
		Filter: &types.Expression{
			Or: []types.Expression{
				{Dimensions: &types.DimensionValues{
					Key:    types.DimensionService,
					Values: w.services,
				}},
				{Tags: &types.TagValues{
					Key:    aws.String(w.tagKey),
					Values: []string{w.tagValue},
				}},
			},
		},
		GroupBy: []types.GroupDefinition{
			{Type: types.GroupDefinitionTypeDimension, Key: aws.String("SERVICE")},
		},
	})
	if err != nil {
		return "", fmt.Errorf("report: get cost and usage: %w", err)
	}

	amounts := make(map[string]string, len(w.services))
	for _, svc := range w.services {
		amounts[svc] = "$0.00"
	}
	for _, result := range out.ResultsByTime {
		for _, group := range result.Groups {
			if len(group.Keys) == 0 {
				continue
			}
			metric, ok := group.Metrics[costMetric]
			if !ok || metric.Amount == nil {
				continue
			}
			amount, err := money.ParseUSD(roundable(*metric.Amount))
			if err != nil {
				return "", fmt.Errorf("report: parse amount for %s: %w", group.Keys[0], err)
			}
			amounts[group.Keys[0]] = "$" + roundCents(amount)
		}
	}

	return w.renderHTML(startStr, endStr, amounts), nil
}

func (w *Widget) renderHTML(start, end string, amounts map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<br>Month-to-date unblended cost from %s to %s.<br><br>", start, end)
	b.WriteString("<table><tr><th>Service</th><th>Amount</th></tr>")

	services := make([]string, 0, len(amounts))
	for svc := range amounts {
		services = append(services, svc)
	}
	sort.Strings(services)
	for _, svc := range services {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td></tr>", svc, amounts[svc])
	}

	b.WriteString("</table>")
	fmt.Fprintf(&b, "<br>Amounts are rounded to $0.01. Resources tagged %q are included.", w.tagKey)
	return b.String()
}

// roundable truncates cost-and-usage amounts to the six fractional digits
// the money parser accepts; the API reports up to ten.
func roundable(amount string) string {
	whole, frac, ok := strings.Cut(amount, ".")
	if !ok || len(frac) <= 6 {
		return amount
	}
	return whole + "." + frac[:6]
}

// roundCents renders an amount rounded half-up to cents.
func roundCents(a money.Amount) string {
	micros := a.Micros()
	cents := (micros + 5_000) / 10_000
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
