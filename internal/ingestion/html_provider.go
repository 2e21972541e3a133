package ingestion

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// headerAliases maps vendor-specific column headers onto the unified schema,
// mirroring gpw_client.py's _fetch_and_normalize_table rename chain.
var headerAliases = map[string]string{
	"Abbreviation":         "Shortcut",
	"Time of last trans.":  "Last transaction time",
	"Last trans. price":    "Last / Closing",
	"Change v. ref. price": "% change",
	"Aggr. trade vol.":     "Cumulated volume",
	"Opening price":        "Open",
	"Max. price":           "High",
	"Min. price":           "Low",
}

// wantedColumns is the fixed subset of columns the pipeline understands,
// matching gpw_client.py's _subset_columns wanted list. Open/High/Low are
// optional: not every vendor table reports a daily range, so their absence
// from a response is not an error, it just means no CandleDaily row is
// produced for that symbol this cycle.
var wantedColumns = []string{
	"Name", "Shortcut", "ISIN", "Last / Closing", "% change",
	"Cumulated volume", "Last transaction time", "Open", "High", "Low",
}

// HTMLTableProvider fetches a single HTML table per market config over
// plain HTTP and maps its rows onto the unified ingestion schema. Use this
// for sources that render their listing as static server-side HTML.
type HTMLTableProvider struct {
	configs map[string]MarketConfig
	client  *http.Client
}

// NewHTMLTableProvider builds a provider over the given market-key -> config
// table, using an HTTP client with a fixed request timeout.
func NewHTMLTableProvider(configs map[string]MarketConfig) *HTMLTableProvider {
	return &HTMLTableProvider{
		configs: configs,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *HTMLTableProvider) GetConfig(marketKey string) (MarketConfig, error) {
	cfg, ok := p.configs[marketKey]
	if !ok {
		return MarketConfig{}, fmt.Errorf("ingestion: unknown market key %q", marketKey)
	}
	return cfg, nil
}

func (p *HTMLTableProvider) FetchRows(ctx context.Context, config MarketConfig) ([]Row, error) {
	url := strings.TrimRight(config.SourceURL, "/") + "/" + strings.TrimLeft(config.SourcePath, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ingestion: build request for %q: %w", url, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ingestion: fetch %q: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ingestion: fetch %q: unexpected status %d", url, resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ingestion: parse HTML from %q: %w", url, err)
	}

	table := firstTable(doc)
	if table == nil {
		return nil, fmt.Errorf("ingestion: no tables found in response from %q", url)
	}

	header, body := parseTableRows(table)
	if len(header) == 0 {
		return nil, fmt.Errorf("ingestion: empty table header in response from %q", url)
	}

	columnIndex := buildColumnIndex(header)
	now := time.Now().UTC()

	rows := make([]Row, 0, len(body))
	for _, cells := range body {
		row := mapRow(cells, columnIndex, now)
		if row.Symbol == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// mapRow renames vendor cells into a Row via the shared column index. Used
// by both HTMLTableProvider and BrowserProvider since they feed identical
// table markup through the same renderer-agnostic parser.
func mapRow(cells []string, columnIndex map[string]int, observedAt time.Time) Row {
	row := Row{ObservedAt: observedAt}
	cell := func(name string) string {
		if idx, ok := columnIndex[name]; ok && idx < len(cells) {
			return strings.TrimSpace(cells[idx])
		}
		return ""
	}
	row.Symbol = cell("Shortcut")
	row.Name = cell("Name")
	row.ISIN = cell("ISIN")
	row.LastPrice = cell("Last / Closing")
	row.ChangePct = cell("% change")
	row.Volume = cell("Cumulated volume")
	row.LastTradeAt = cell("Last transaction time")
	row.Open = cell("Open")
	row.High = cell("High")
	row.Low = cell("Low")
	return row
}

// buildColumnIndex renames vendor headers to the unified schema and returns
// a name -> column-position map restricted to wantedColumns.
func buildColumnIndex(header []string) map[string]int {
	renamed := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if alias, ok := headerAliases[h]; ok {
			h = alias
		}
		renamed[i] = h
	}

	wanted := make(map[string]struct{}, len(wantedColumns))
	for _, w := range wantedColumns {
		wanted[w] = struct{}{}
	}

	index := make(map[string]int, len(wantedColumns))
	for i, h := range renamed {
		if _, ok := wanted[h]; ok {
			index[h] = i
		}
	}
	return index
}

// parseFragment parses an HTML snippet (e.g. a single <table> element's
// outer HTML returned by a rendered-page scrape) rather than a full document.
func parseFragment(fragment string) (*html.Node, error) {
	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), context)
	if err != nil {
		return nil, err
	}
	root := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return root, nil
}

func firstTable(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "table" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := firstTable(c); t != nil {
			return t
		}
	}
	return nil
}

// parseTableRows walks a <table> node and returns its header cells (first
// row) and the text content of every subsequent row's cells.
func parseTableRows(table *html.Node) (header []string, body [][]string) {
	var rows [][]string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					cells = append(cells, cellText(c))
				}
			}
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(table)

	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], rows[1:]
}

func cellText(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
