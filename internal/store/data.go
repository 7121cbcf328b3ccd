package store

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/gridflow/annotator/internal/dataset"
)

// Years lists the years the store has flow data for.
func (c *Client) Years(ctx context.Context) ([]int, error) {
	var years []int
	if err := c.get(ctx, "/api/years", nil, &years); err != nil {
		return nil, err
	}
	return years, nil
}

// Cities lists the distinct city names in the store's metadata.
func (c *Client) Cities(ctx context.Context) ([]string, error) {
	var cities []string
	if err := c.get(ctx, "/api/meta/cities", nil, &cities); err != nil {
		return nil, err
	}
	return cities, nil
}

// Metadata fetches grid cells, optionally narrowed by city and area.
func (c *Client) Metadata(ctx context.Context, city, area string) ([]dataset.Cell, error) {
	q := url.Values{}
	if city != "" {
		q.Set("city_name", city)
	}
	if area != "" {
		q.Set("area_name", area)
	}
	var cells []dataset.Cell
	if err := c.get(ctx, "/api/metadata", q, &cells); err != nil {
		return nil, err
	}
	return cells, nil
}

// MetaOne fetches a single cell by grid id. Unknown ids report
// ErrNotFound.
func (c *Client) MetaOne(ctx context.Context, gridID int) (*dataset.Cell, error) {
	q := url.Values{}
	q.Set("grid_id", strconv.Itoa(gridID))
	var cell dataset.Cell
	if err := c.get(ctx, "/api/meta/one", q, &cell); err != nil {
		return nil, err
	}
	return &cell, nil
}

func flowQuery(fq FlowQuery) url.Values {
	q := url.Values{}
	q.Set("grid_id", strconv.Itoa(fq.GridID))
	if fq.AllYears {
		q.Set("year", "all")
	} else {
		q.Set("year", strconv.Itoa(fq.Year))
	}
	dir := fq.Direction
	if dir == "" {
		dir = "both"
	}
	q.Set("direction", dir)
	if fq.TopK > 0 {
		q.Set("topk", strconv.Itoa(fq.TopK))
	}
	if fq.Coverage > 0 {
		q.Set("cov", strconv.FormatFloat(fq.Coverage, 'f', -1, 64))
	}
	return q
}

// Flows fetches one year's flow neighborhood around a cell.
func (c *Client) Flows(ctx context.Context, fq FlowQuery) (*FlowBundle, error) {
	fq.AllYears = false
	var bundle FlowBundle
	if err := c.get(ctx, "/api/flows", flowQuery(fq), &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// FlowsAllYears fetches the flow neighborhood for every available year.
func (c *Client) FlowsAllYears(ctx context.Context, fq FlowQuery) (map[int]*FlowBundle, error) {
	fq.AllYears = true
	var payload struct {
		Years map[int]*FlowBundle `json:"years"`
	}
	if err := c.get(ctx, "/api/flows", flowQuery(fq), &payload); err != nil {
		return nil, err
	}
	return payload.Years, nil
}

// Hourly fetches the 24-hour series per year for a cell.
func (c *Client) Hourly(ctx context.Context, gridID int) (HourlySeries, error) {
	q := url.Values{}
	q.Set("grid_id", strconv.Itoa(gridID))
	var series HourlySeries
	if err := c.get(ctx, "/api/hourly", q, &series); err != nil {
		return nil, err
	}
	return series, nil
}

// Heat fetches per-cell intensity for a year and metric, optionally
// narrowed by city and area. Metric is "total", "in" or "out".
func (c *Client) Heat(ctx context.Context, year int, metric, city, area string) (*HeatResponse, error) {
	q := url.Values{}
	q.Set("year", strconv.Itoa(year))
	if metric != "" {
		q.Set("metric", metric)
	}
	if city != "" {
		q.Set("city_name", city)
	}
	if area != "" {
		q.Set("area_name", area)
	}
	var heat HeatResponse
	if err := c.get(ctx, "/api/heat", q, &heat); err != nil {
		return nil, err
	}
	return &heat, nil
}

// Boundaries fetches administrative rings at the given level ("city"
// or "district"), optionally filtered to the named regions.
func (c *Client) Boundaries(ctx context.Context, level string, names []string) (*BoundsResponse, error) {
	q := url.Values{}
	if level != "" {
		q.Set("level", level)
	}
	if len(names) > 0 {
		q.Set("names", strings.Join(names, ","))
	}
	var bounds BoundsResponse
	if err := c.get(ctx, "/api/bounds", q, &bounds); err != nil {
		return nil, err
	}
	return &bounds, nil
}
