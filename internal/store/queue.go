package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"mime/multipart"
	"net/url"

	"github.com/rotisserie/eris"
)

// Queue reads the store's current queue document.
func (c *Client) Queue(ctx context.Context) (QueueState, error) {
	var state QueueState
	if err := c.get(ctx, "/api/label_queue", nil, &state); err != nil {
		return QueueState{}, err
	}
	return state, nil
}

// Advance moves the queue pointer forward and returns the store's
// acknowledged position.
func (c *Client) Advance(ctx context.Context) (StepResponse, error) {
	var resp StepResponse
	if err := c.post(ctx, "/api/label_queue/advance", nil, &resp); err != nil {
		return StepResponse{}, err
	}
	return resp, nil
}

// Back moves the queue pointer one step back.
func (c *Client) Back(ctx context.Context) (StepResponse, error) {
	var resp StepResponse
	if err := c.post(ctx, "/api/label_queue/back", nil, &resp); err != nil {
		return StepResponse{}, err
	}
	return resp, nil
}

// SetIndex points the queue at an explicit position.
func (c *Client) SetIndex(ctx context.Context, index int) (StepResponse, error) {
	var resp StepResponse
	if err := c.post(ctx, "/api/label_queue/set", map[string]int{"index": index}, &resp); err != nil {
		return StepResponse{}, err
	}
	return resp, nil
}

// SetGrid points the queue at the position of a grid id.
func (c *Client) SetGrid(ctx context.Context, gridID int) (StepResponse, error) {
	var resp StepResponse
	if err := c.post(ctx, "/api/label_queue/set", map[string]int{"grid_id": gridID}, &resp); err != nil {
		return StepResponse{}, err
	}
	return resp, nil
}

// ResetQueue clears the store's queue document.
func (c *Client) ResetQueue(ctx context.Context) error {
	return c.post(ctx, "/api/label_queue/reset", nil, nil)
}

// SaveLabel appends one annotation row.
func (c *Client) SaveLabel(ctx context.Context, rec LabelRecord) error {
	return c.post(ctx, "/api/label", rec, nil)
}

// UndoLabel removes the most recent annotation row.
func (c *Client) UndoLabel(ctx context.Context) error {
	return c.post(ctx, "/api/label/undo", nil, nil)
}

// Labels lists all stored annotation rows.
func (c *Client) Labels(ctx context.Context) ([]LabelRecord, error) {
	var rows []LabelRecord
	if err := c.get(ctx, "/api/labels", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// LabelStats counts stored labels per class.
func (c *Client) LabelStats(ctx context.Context) (StatsResponse, error) {
	var stats StatsResponse
	if err := c.get(ctx, "/api/labels/stats", nil, &stats); err != nil {
		return StatsResponse{}, err
	}
	return stats, nil
}

// ClearLabels archives and empties the store's label table.
func (c *Client) ClearLabels(ctx context.Context) error {
	return c.post(ctx, "/api/labels/clear", nil, nil)
}

// ImportLabels uploads a labels CSV. Mode is "append" or "upsert".
func (c *Client) ImportLabels(ctx context.Context, mode, filename string, csv io.Reader) (Ack, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return Ack{}, eris.Wrap(err, "build import form")
	}
	if _, err := io.Copy(part, csv); err != nil {
		return Ack{}, eris.Wrap(err, "copy import payload")
	}
	if err := form.Close(); err != nil {
		return Ack{}, eris.Wrap(err, "finish import form")
	}

	path := "/api/labels/import"
	if mode != "" {
		path += "?" + url.Values{"mode": {mode}}.Encode()
	}
	var ack Ack
	if err := c.do(ctx, "POST", path, nil, &buf, form.FormDataContentType(), &ack); err != nil {
		return Ack{}, err
	}
	return ack, nil
}

// SaveScreenshot stores a JPEG under the given filename. The payload
// travels as a data URL, matching what the store strips before decode.
func (c *Client) SaveScreenshot(ctx context.Context, filename string, jpeg []byte) error {
	body := map[string]string{
		"filename": filename,
		"data":     "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg),
	}
	return c.post(ctx, "/api/screenshot", body, nil)
}
