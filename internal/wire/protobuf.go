package wire

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/omni-node/pkg/types"
)

// ProtobufCodec encodes messages in the protobuf wire format described by
// api/proto/v1/omni.proto. Fields are written in field-number order, so output is
// deterministic. Unknown field numbers are rejected rather than skipped.
type ProtobufCodec struct{}

// Field numbers from omni.proto.
const (
	pbReqStartTimeMS protowire.Number = 1
	pbReqDurationMS  protowire.Number = 2
	pbReqID          protowire.Number = 3

	pbRespMaxJobs protowire.Number = 1
)

func (ProtobufCodec) Name() string { return CodecProtobuf }

func (c ProtobufCodec) Marshal(msg any) ([]byte, error) {
	if req, ok := requestOf(msg); ok {
		ms, err := durationToMillis(req.Duration)
		if err != nil {
			return nil, schemaError("encode", c.Name(), err)
		}
		b := make([]byte, 0, 32)
		b = protowire.AppendTag(b, pbReqStartTimeMS, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(req.StartTime.UnixMilli()))
		b = protowire.AppendTag(b, pbReqDurationMS, protowire.VarintType)
		b = protowire.AppendVarint(b, ms)
		b = protowire.AppendTag(b, pbReqID, protowire.BytesType)
		b = protowire.AppendBytes(b, req.ID[:])
		return b, nil
	}
	if resp, ok := responseOf(msg); ok {
		b := protowire.AppendTag(nil, pbRespMaxJobs, protowire.VarintType)
		return protowire.AppendVarint(b, resp.MaxJobs), nil
	}
	return nil, unsupported("encode", c.Name(), msg)
}

func (c ProtobufCodec) Unmarshal(data []byte, msg any) error {
	switch m := msg.(type) {
	case *types.JobRequest:
		var (
			startMS, durMS uint64
			id             []byte
			seenID         bool
		)
		err := c.walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case pbReqStartTimeMS:
				return consumeVarint(typ, b, &startMS)
			case pbReqDurationMS:
				return consumeVarint(typ, b, &durMS)
			case pbReqID:
				if typ != protowire.BytesType {
					return 0, fmt.Errorf("field %d: wire type %d, want bytes", num, typ)
				}
				v, n := protowire.ConsumeBytes(b)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				id, seenID = v, true
				return n, nil
			}
			return 0, fmt.Errorf("unknown field %d", num)
		})
		if err != nil {
			return err
		}
		if !seenID {
			return schemaError("decode", c.Name(), fmt.Errorf("missing id"))
		}
		uid, err := uuid.FromBytes(id)
		if err != nil {
			return schemaError("decode", c.Name(), fmt.Errorf("id: %w", err))
		}
		d, err := millisToDuration(durMS)
		if err != nil {
			return schemaError("decode", c.Name(), err)
		}
		*m = types.JobRequest{StartTime: millisToTime(int64(startMS)), Duration: d, ID: uid}
		return nil
	case *types.JobResponse:
		var maxJobs uint64
		err := c.walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num != pbRespMaxJobs {
				return 0, fmt.Errorf("unknown field %d", num)
			}
			return consumeVarint(typ, b, &maxJobs)
		})
		if err != nil {
			return err
		}
		*m = types.JobResponse{MaxJobs: maxJobs}
		return nil
	}
	return unsupported("decode", c.Name(), msg)
}

// walk iterates the fields of one message, handing each value to field, which returns the
// number of bytes it consumed.
func (c ProtobufCodec) walk(data []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return schemaError("decode", c.Name(), protowire.ParseError(n))
		}
		data = data[n:]
		m, err := field(num, typ, data)
		if err != nil {
			return schemaError("decode", c.Name(), err)
		}
		data = data[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}
