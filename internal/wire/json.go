package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/omni-node/pkg/types"
)

// JSONCodec is the human-readable body format:
//
//	{"start_time":"2026-10-17T12:00:00.250Z","duration_ms":42000,"id":"6f1c...-..."}
//	{"max_jobs":3}
type JSONCodec struct{}

// jsonTimeLayout is RFC 3339 with a fixed millisecond fraction.
const jsonTimeLayout = "2006-01-02T15:04:05.000Z07:00"

type jsonRequest struct {
	StartTime  *string `json:"start_time"`
	DurationMS *uint64 `json:"duration_ms"`
	ID         *string `json:"id"`
}

type jsonResponse struct {
	MaxJobs *uint64 `json:"max_jobs"`
}

func (JSONCodec) Name() string { return CodecJSON }

func (c JSONCodec) Marshal(msg any) ([]byte, error) {
	if req, ok := requestOf(msg); ok {
		ms, err := durationToMillis(req.Duration)
		if err != nil {
			return nil, schemaError("encode", c.Name(), err)
		}
		t := req.StartTime.UTC()
		if y := t.Year(); y < 0 || y > 9999 {
			return nil, schemaError("encode", c.Name(), fmt.Errorf("start_time: year %d outside RFC 3339 range", y))
		}
		start := t.Format(jsonTimeLayout)
		id := req.ID.String()
		out, err := json.Marshal(&jsonRequest{StartTime: &start, DurationMS: &ms, ID: &id})
		if err != nil {
			return nil, schemaError("encode", c.Name(), err)
		}
		return out, nil
	}
	if resp, ok := responseOf(msg); ok {
		n := resp.MaxJobs
		out, err := json.Marshal(&jsonResponse{MaxJobs: &n})
		if err != nil {
			return nil, schemaError("encode", c.Name(), err)
		}
		return out, nil
	}
	return nil, unsupported("encode", c.Name(), msg)
}

func (c JSONCodec) Unmarshal(data []byte, msg any) error {
	switch m := msg.(type) {
	case *types.JobRequest:
		var w jsonRequest
		if err := c.decodeStrict(data, &w); err != nil {
			return err
		}
		if w.StartTime == nil || w.DurationMS == nil || w.ID == nil {
			return schemaError("decode", c.Name(), errors.New("missing start_time, duration_ms or id"))
		}
		start, err := time.Parse(time.RFC3339Nano, *w.StartTime)
		if err != nil {
			return schemaError("decode", c.Name(), fmt.Errorf("start_time: %w", err))
		}
		id, err := uuid.Parse(*w.ID)
		if err != nil {
			return schemaError("decode", c.Name(), fmt.Errorf("id: %w", err))
		}
		d, err := millisToDuration(*w.DurationMS)
		if err != nil {
			return schemaError("decode", c.Name(), err)
		}
		*m = types.JobRequest{StartTime: start.UTC().Truncate(time.Millisecond), Duration: d, ID: id}
		return nil
	case *types.JobResponse:
		var w jsonResponse
		if err := c.decodeStrict(data, &w); err != nil {
			return err
		}
		if w.MaxJobs == nil {
			return schemaError("decode", c.Name(), errors.New("missing max_jobs"))
		}
		*m = types.JobResponse{MaxJobs: *w.MaxJobs}
		return nil
	}
	return unsupported("decode", c.Name(), msg)
}

func (c JSONCodec) decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return schemaError("decode", c.Name(), err)
	}
	if dec.More() {
		return schemaError("decode", c.Name(), errors.New("trailing data after message"))
	}
	return nil
}
