package artifacts

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html"
	"path"
	"strings"

	"github.com/animus-labs/animus-runs/internal/domain"
)

// Item is an artifact to be logged: a mutable descriptor plus an optional body.
type Item interface {
	Descriptor() *domain.Artifact
	// Body returns the in-memory content, or nil when the artifact is a file on disk.
	Body() ([]byte, error)
}

// Blob is a plain artifact with an optional in-memory body.
type Blob struct {
	domain.Artifact
	Data []byte
}

func NewBlob(key string, data []byte) *Blob {
	return &Blob{Artifact: domain.Artifact{ArtifactSummary: domain.ArtifactSummary{Key: key}}, Data: data}
}

func (b *Blob) Descriptor() *domain.Artifact { return &b.Artifact }
func (b *Blob) Body() ([]byte, error)        { return b.Data, nil }

// Table is tabular data. Format defaults to the key suffix.
type Table struct {
	domain.Artifact
	Data []byte
}

// NewTable wraps an encoded table body. Visible tables get the table viewer.
func NewTable(key string, data []byte, header []string, visible bool) *Table {
	t := &Table{Data: data}
	t.Key = key
	t.Kind = domain.ArtifactKindTable
	t.Header = append([]string(nil), header...)
	if ext := path.Ext(key); ext != "" {
		t.Format = strings.TrimPrefix(ext, ".")
	}
	if visible {
		t.Viewer = "table"
	}
	return t
}

// NewTableFromRows renders rows (header first) as CSV. Visible keys without a suffix get ".csv".
func NewTableFromRows(key string, rows [][]any, visible bool) (*Table, error) {
	if len(rows) == 0 {
		return nil, domain.Validationf("table %s has no header row", key)
	}
	if visible && path.Ext(key) == "" {
		key += ".csv"
	}
	body, err := EncodeCSV(rows)
	if err != nil {
		return nil, err
	}
	header := make([]string, len(rows[0]))
	for i, cell := range rows[0] {
		header[i] = fmt.Sprint(cell)
	}
	t := NewTable(key, body, header, visible)
	t.Format = "csv"
	return t, nil
}

func (t *Table) Descriptor() *domain.Artifact { return &t.Artifact }
func (t *Table) Body() ([]byte, error)        { return t.Data, nil }

// EncodeCSV writes rows with nil cells as empty fields.
func EncodeCSV(rows [][]any) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, row := range rows {
		rec := make([]string, len(row))
		for i, cell := range row {
			if cell != nil {
				rec[i] = fmt.Sprint(cell)
			}
		}
		if err := w.Write(rec); err != nil {
			return nil, fmt.Errorf("encode csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return buf.Bytes(), nil
}

const chartTemplate = `<html>
  <head>
    <script type="text/javascript" src="https://www.gstatic.com/charts/loader.js"></script>
    <script type="text/javascript">
      google.charts.load('current', {'packages':['corechart']});
      google.charts.setOnLoadCallback(drawChart);
      function drawChart() {
        var data = google.visualization.arrayToDataTable($data$);
        var options = $opts$;
        var chart = new google.visualization.$chart$(document.getElementById('chart_div'));
        chart.draw(data, options);
      }
    </script>
  </head>
  <body>
    <div id="chart_div" style="width: 100%; height: 500px;"></div>
  </body>
</html>
`

// Chart renders a Google Charts HTML page from a header and rows.
type Chart struct {
	domain.Artifact
	Rows    [][]any
	Options map[string]any
	Type    string
}

func NewChart(key string, header []string, rows [][]any, options map[string]any) *Chart {
	c := &Chart{Rows: rows, Options: map[string]any{}, Type: "LineChart"}
	c.Key = key
	c.Kind = domain.ArtifactKindChart
	c.Viewer = "chart"
	c.Header = append([]string(nil), header...)
	for k, v := range options {
		c.Options[k] = v
	}
	return c
}

func (c *Chart) AddRow(row ...any) {
	c.Rows = append(c.Rows, row)
}

func (c *Chart) Descriptor() *domain.Artifact { return &c.Artifact }

func (c *Chart) Body() ([]byte, error) {
	opts := domain.CloneMap(c.Options)
	if opts["title"] == nil || opts["title"] == "" {
		opts["title"] = c.Key
	}
	data := make([]any, 0, len(c.Rows)+1)
	header := make([]any, len(c.Header))
	for i, h := range c.Header {
		header[i] = h
	}
	data = append(data, header)
	for _, row := range c.Rows {
		data = append(data, row)
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode chart data: %w", err)
	}
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encode chart options: %w", err)
	}
	out := strings.NewReplacer("$data$", string(dataJSON), "$opts$", string(optsJSON), "$chart$", c.Type).Replace(chartTemplate)
	return []byte(out), nil
}

// Plot embeds a PNG image in an HTML <img> tag.
type Plot struct {
	domain.Artifact
	PNG []byte
}

// NewPlot rejects an empty image. Keys without a suffix get ".html".
func NewPlot(key string, png []byte) (*Plot, error) {
	if len(png) == 0 {
		return nil, domain.Validationf("plot %s requires png image data", key)
	}
	if path.Ext(key) == "" {
		key += ".html"
	}
	p := &Plot{PNG: png}
	p.Key = key
	p.Kind = domain.ArtifactKindPlot
	p.Viewer = "chart"
	return p, nil
}

func (p *Plot) Descriptor() *domain.Artifact { return &p.Artifact }

func (p *Plot) Body() ([]byte, error) {
	uri := base64.StdEncoding.EncodeToString(p.PNG)
	return []byte(fmt.Sprintf(`<img title="%s" src="data:image/png;base64,%s">`, html.EscapeString(p.Key), uri)), nil
}
