package feed

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pricescout/internal/model"
)

type targetList struct {
	Targets []model.ScrapeTarget `yaml:"targets"`
}

// decodeYAML accepts a bare sequence or a mapping with a targets key.
func decodeYAML(data []byte) ([]model.ScrapeTarget, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, eris.Wrap(err, "yaml: parse")
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]
	switch doc.Kind {
	case yaml.SequenceNode:
		var out []model.ScrapeTarget
		if err := doc.Decode(&out); err != nil {
			return nil, eris.Wrap(err, "yaml: decode targets")
		}
		return out, nil
	case yaml.MappingNode:
		var list targetList
		if err := doc.Decode(&list); err != nil {
			return nil, eris.Wrap(err, "yaml: decode targets")
		}
		return list.Targets, nil
	default:
		return nil, eris.New("yaml: expected a list of targets")
	}
}

// decodeJSON accepts a bare array or an object with a targets array.
func decodeJSON(data []byte) ([]model.ScrapeTarget, error) {
	if !gjson.ValidBytes(data) {
		return nil, eris.New("json: invalid document")
	}
	raw := gjson.ParseBytes(data)
	if raw.IsObject() {
		raw = raw.Get("targets")
	}
	if !raw.IsArray() {
		return nil, eris.New("json: expected an array of targets")
	}
	var out []model.ScrapeTarget
	if err := json.Unmarshal([]byte(raw.Raw), &out); err != nil {
		return nil, eris.Wrap(err, "json: decode targets")
	}
	return out, nil
}

func decodeCSV(r io.Reader) ([]model.ScrapeTarget, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "csv: read")
	}
	reader := csv.NewReader(bytes.NewReader(data))
	if first, _, _ := bytes.Cut(data, []byte("\n")); bytes.Contains(first, []byte("\t")) && !bytes.Contains(first, []byte(",")) {
		reader.Comma = '\t'
	}
	reader.Comment = '#'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "csv: read rows")
	}
	return fromRows(records)
}

func decodeXLSX(data []byte, sheetName string) ([]model.ScrapeTarget, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open")
	}
	sheet, err := getSheet(f, sheetName)
	if err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		rows = append(rows, rowToStrings(row))
	}
	return fromRows(rows)
}

func getSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		sheet, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", name)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: workbook has no sheets")
	}
	return f.Sheets[0], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = strings.TrimSpace(cell.String())
	}
	return cells
}

// columnAliases maps accepted header names to target fields.
var columnAliases = map[string]string{
	"retailer":    "retailer",
	"retailer_id": "retailer",
	"store":       "retailer",
	"url":         "url",
	"product_url": "url",
	"mode":        "mode",
	"search_term": "search_term",
	"term":        "search_term",
	"query":       "search_term",
	"max_results": "max_results",
	"product_id":  "product_id",
	"sku":         "product_id",
	"id":          "product_id",
}

// fromRows maps a header row plus data rows onto targets. Blank rows are
// skipped.
func fromRows(rows [][]string) ([]model.ScrapeTarget, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	cols := make(map[string]int)
	for i, h := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if field, ok := columnAliases[key]; ok {
			if _, dup := cols[field]; !dup {
				cols[field] = i
			}
		}
	}
	if _, ok := cols["retailer"]; !ok {
		return nil, eris.New("header has no retailer column")
	}

	cell := func(row []string, field string) string {
		i, ok := cols[field]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []model.ScrapeTarget
	for n, row := range rows[1:] {
		if blank(row) {
			continue
		}
		t := model.ScrapeTarget{
			RetailerID: cell(row, "retailer"),
			URL:        cell(row, "url"),
			Mode:       model.TargetMode(cell(row, "mode")),
			SearchTerm: cell(row, "search_term"),
			ProductID:  cell(row, "product_id"),
		}
		if v := cell(row, "max_results"); v != "" {
			m, err := strconv.Atoi(v)
			if err != nil {
				return nil, eris.Errorf("row %d: max_results %q is not a number", n+2, v)
			}
			t.MaxResults = m
		}
		out = append(out, t)
	}
	return out, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
