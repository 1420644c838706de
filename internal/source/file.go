package source

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/carreport/dealer-impact/internal/api"
)

// File serves observations loaded once from a CSV or JSON file.
//
// CSV files carry a header with date, sales and baseline_sales columns and an
// optional dealer_id column. JSON files hold parallel arrays:
//
//	{"dates": [...], "sales": [...], "baseline_sales": [...]}
//
// Rows without a dealer_id are served for every entity.
type File struct {
	rows []fileRow
}

type fileRow struct {
	entityID string
	obs      api.Observation
}

// LoadFile reads path, choosing the format from its extension.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ReadJSON(f)
	case ".csv", "":
		return ReadCSV(f)
	default:
		return nil, fmt.Errorf("unsupported data file extension %q", filepath.Ext(path))
	}
}

// ReadCSV parses CSV observations.
func ReadCSV(r io.Reader) (*File, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"date", "sales", "baseline_sales"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("csv header is missing column %q", required)
		}
	}
	dealerCol, hasDealer := cols["dealer_id"]

	out := &File{}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		day, err := api.ParseDate("date", rec[cols["date"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		row := fileRow{obs: api.Observation{
			Date:      day,
			Primary:   parseMetric(rec[cols["sales"]]),
			Covariate: parseMetric(rec[cols["baseline_sales"]]),
		}}
		if hasDealer {
			row.entityID = rec[dealerCol]
		}
		out.rows = append(out.rows, row)
	}
	return out, nil
}

// parseMetric returns NaN for empty or unparseable cells.
func parseMetric(cell string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
	if err != nil {
		return nan
	}
	return v
}

type jsonPayload struct {
	Dates         []string   `json:"dates"`
	Sales         []*float64 `json:"sales"`
	BaselineSales []*float64 `json:"baseline_sales"`
}

// ReadJSON parses the parallel-array JSON payload.
func ReadJSON(r io.Reader) (*File, error) {
	var p jsonPayload
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode json payload: %w", err)
	}
	if len(p.Sales) != len(p.Dates) || len(p.BaselineSales) != len(p.Dates) {
		return nil, fmt.Errorf("json payload arrays differ in length: dates=%d sales=%d baseline_sales=%d",
			len(p.Dates), len(p.Sales), len(p.BaselineSales))
	}

	out := &File{rows: make([]fileRow, 0, len(p.Dates))}
	for i, d := range p.Dates {
		day, err := api.ParseDate("dates", d)
		if err != nil {
			return nil, err
		}
		out.rows = append(out.rows, fileRow{obs: api.Observation{
			Date:      day,
			Primary:   orNaN(p.Sales[i]),
			Covariate: orNaN(p.BaselineSales[i]),
		}})
	}
	return out, nil
}

func (f *File) Fetch(ctx context.Context, entityID string, start, end time.Time) ([]api.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		obs           []api.Observation
		before, after *api.Observation
	)
	for i := range f.rows {
		r := &f.rows[i]
		if r.entityID != "" && r.entityID != entityID {
			continue
		}
		switch {
		case r.obs.Date.Before(start):
			if complete(r.obs) && (before == nil || r.obs.Date.After(before.Date)) {
				before = &r.obs
			}
		case r.obs.Date.After(end):
			if complete(r.obs) && (after == nil || r.obs.Date.Before(after.Date)) {
				after = &r.obs
			}
		default:
			obs = append(obs, r.obs)
		}
	}
	if before != nil {
		obs = append(obs, *before)
	}
	if after != nil {
		obs = append(obs, *after)
	}
	return obs, nil
}

func complete(o api.Observation) bool {
	return !math.IsNaN(o.Primary) && !math.IsNaN(o.Covariate)
}
