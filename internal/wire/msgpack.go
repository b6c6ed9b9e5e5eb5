package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/omni-node/pkg/types"
)

// MsgpackCodec is the compact binary body format. Messages are msgpack maps keyed by the
// logical field names; the id travels as a 16-byte bin.
type MsgpackCodec struct{}

// Pointer fields tell a missing key apart from a zero value.
type msgpackRequest struct {
	StartTime  *int64  `msgpack:"start_time"`
	DurationMS *uint64 `msgpack:"duration_ms"`
	ID         []byte  `msgpack:"id"`
}

type msgpackResponse struct {
	MaxJobs *uint64 `msgpack:"max_jobs"`
}

func (MsgpackCodec) Name() string { return CodecMsgpack }

func (c MsgpackCodec) Marshal(msg any) ([]byte, error) {
	if req, ok := requestOf(msg); ok {
		ms, err := durationToMillis(req.Duration)
		if err != nil {
			return nil, schemaError("encode", c.Name(), err)
		}
		id := req.ID
		start := req.StartTime.UnixMilli()
		out, err := msgpack.Marshal(&msgpackRequest{
			StartTime:  &start,
			DurationMS: &ms,
			ID:         id[:],
		})
		if err != nil {
			return nil, schemaError("encode", c.Name(), err)
		}
		return out, nil
	}
	if resp, ok := responseOf(msg); ok {
		n := resp.MaxJobs
		out, err := msgpack.Marshal(&msgpackResponse{MaxJobs: &n})
		if err != nil {
			return nil, schemaError("encode", c.Name(), err)
		}
		return out, nil
	}
	return nil, unsupported("encode", c.Name(), msg)
}

func (c MsgpackCodec) Unmarshal(data []byte, msg any) error {
	switch m := msg.(type) {
	case *types.JobRequest:
		var w msgpackRequest
		if err := c.decodeStrict(data, &w); err != nil {
			return err
		}
		if w.StartTime == nil || w.DurationMS == nil || w.ID == nil {
			return schemaError("decode", c.Name(), errors.New("missing start_time, duration_ms or id"))
		}
		id, err := uuid.FromBytes(w.ID)
		if err != nil {
			return schemaError("decode", c.Name(), fmt.Errorf("id: %w", err))
		}
		d, err := millisToDuration(*w.DurationMS)
		if err != nil {
			return schemaError("decode", c.Name(), err)
		}
		*m = types.JobRequest{StartTime: millisToTime(*w.StartTime), Duration: d, ID: id}
		return nil
	case *types.JobResponse:
		var w msgpackResponse
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

// decodeStrict rejects unknown keys and trailing bytes so that a request body is never
// mistaken for a response and vice versa.
func (c MsgpackCodec) decodeStrict(data []byte, v any) error {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	dec.DisallowUnknownFields(true)
	if err := dec.Decode(v); err != nil {
		return schemaError("decode", c.Name(), err)
	}
	if r.Len() != 0 {
		return schemaError("decode", c.Name(), fmt.Errorf("%d trailing bytes", r.Len()))
	}
	return nil
}
