package adapters

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/samcharles93/splice/internal/adapters/composition"
)

// SummaryRow describes one adapter.
type SummaryRow struct {
	Name    string
	Kind    string
	Params  int
	Percent float64
	Active  bool
	Merged  bool
}

// AdapterSummary lists the registered adapters in insertion order,
// followed by a "Full model" row for the base parameters.
func (h *Host) AdapterSummary() []SummaryRow {
	active := h.reg.Active()
	var rows []SummaryRow
	for _, e := range h.reg.Entries() {
		n := countParams(h.AdapterParams(e.Name))
		rows = append(rows, SummaryRow{
			Name:    e.Name,
			Kind:    string(e.Config.Kind()),
			Params:  n,
			Percent: percent(n, h.top.BaseParams),
			Active:  active != nil && composition.Contains(active, e.Name),
			Merged:  h.merged == e.Name,
		})
	}
	if h.top.BaseParams > 0 {
		rows = append(rows, SummaryRow{Name: "Full model", Params: h.top.BaseParams, Percent: 100})
	}
	return rows
}

func percent(n, total int) float64 {
	if total <= 0 {
		return 0
	}
	return 100 * float64(n) / float64(total)
}

// WriteSummary prints rows as an aligned table.
func WriteSummary(w io.Writer, rows []SummaryRow) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NAME", "KIND", "PARAMS", "%PARAM", "ACTIVE", "MERGED"})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator(" ")
	table.SetCenterSeparator(" ")
	for _, r := range rows {
		table.Append([]string{r.Name, r.Kind, strconv.Itoa(r.Params), fmt.Sprintf("%.3f", r.Percent), mark(r.Active), mark(r.Merged)})
	}
	table.Render()
	return nil
}

func mark(b bool) string {
	if b {
		return "yes"
	}
	return ""
}
