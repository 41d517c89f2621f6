// Package table prints rows of templated cells as an aligned text table.
package table

import (
	"bytes"
	"io"
	"strings"
	"text/template"

	"github.com/packrat/packrat/internal/ui"
)

// Table collects columns, rows and footer lines and prints them with Write.
type Table struct {
	columns   []string
	templates []*template.Template
	data      []interface{}
	footer    []string

	CellSeparator string
}

var funcmap = template.FuncMap{
	"join": strings.Join,
}

// New returns an empty table with two spaces between cells.
func New() *Table {
	return &Table{CellSeparator: "  "}
}

// AddColumn adds a column with header, each row is rendered with the
// text/template format. AddColumn panics if format cannot be parsed.
func (t *Table) AddColumn(header, format string) {
	tmpl := template.Must(template.New("template for " + header).Funcs(funcmap).Parse(format))
	t.columns = append(t.columns, header)
	t.templates = append(t.templates, tmpl)
}

// AddRow adds a row rendered from data.
func (t *Table) AddRow(data interface{}) {
	t.data = append(t.data, data)
}

// AddFooter adds a line printed below the table.
func (t *Table) AddFooter(line string) {
	t.footer = append(t.footer, line)
}

// Write prints the table to w.
func (t *Table) Write(w io.Writer) error {
	if len(t.templates) == 0 {
		return nil
	}

	rows := make([][]string, 0, len(t.data))
	var buf bytes.Buffer
	for _, data := range t.data {
		row := make([]string, 0, len(t.templates))
		for _, tmpl := range t.templates {
			if err := tmpl.Execute(&buf, data); err != nil {
				return err
			}
			row = append(row, buf.String())
			buf.Reset()
		}
		rows = append(rows, row)
	}

	widths := make([]int, len(t.templates))
	measure := func(cells []string) {
		for i, cell := range cells {
			for _, line := range strings.Split(cell, "\n") {
				widths[i] = max(widths[i], ui.DisplayWidth(line))
			}
		}
	}
	measure(t.columns)
	for _, row := range rows {
		measure(row)
	}

	total := len(t.CellSeparator) * (len(widths) - 1)
	for _, width := range widths {
		total += width
	}
	separator := strings.Repeat("-", total)

	var out []string
	if len(t.columns) > 0 {
		out = append(out, t.lines(t.columns, widths)...)
		out = append(out, separator)
	}
	for _, row := range rows {
		out = append(out, t.lines(row, widths)...)
	}
	out = append(out, separator)
	out = append(out, t.footer...)

	for _, line := range out {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// lines renders one row, cells spanning several lines are printed side by side.
func (t *Table) lines(cells []string, widths []int) []string {
	split := make([][]string, len(cells))
	height := 1
	for i, cell := range cells {
		split[i] = strings.Split(cell, "\n")
		height = max(height, len(split[i]))
	}

	out := make([]string, 0, height)
	for n := 0; n < height; n++ {
		var sb strings.Builder
		for i, lines := range split {
			if i > 0 {
				sb.WriteString(t.CellSeparator)
			}
			var v string
			if n < len(lines) {
				v = lines[n]
			}
			sb.WriteString(v)
			if pad := widths[i] - ui.DisplayWidth(v); pad > 0 {
				sb.WriteString(strings.Repeat(" ", pad))
			}
		}
		out = append(out, strings.TrimRight(sb.String(), " "))
	}
	return out
}
