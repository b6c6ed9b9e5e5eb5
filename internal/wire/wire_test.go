package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/omni-node/pkg/types"
)

func allCodecs(t *testing.T) []Codec {
	t.Helper()
	var out []Codec
	for _, name := range Names() {
		c, err := Lookup(name)
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func sampleRequests() []types.JobRequest {
	t0 := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	return []types.JobRequest{
		types.NewJobRequest(t0, 42*time.Second, uuid.New()),
		types.NewJobRequest(t0.Add(1234*time.Millisecond), 0, uuid.New()),
		types.NewJobRequest(time.UnixMilli(-5000), time.Millisecond, uuid.Nil),
		types.NewJobRequest(t0, 1000*time.Hour, uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")),
	}
}

func TestLookup(t *testing.T) {
	assert.Equal(t, []string{CodecJSON, CodecMsgpack, CodecProtobuf}, Names())

	c, err := Lookup("")
	require.NoError(t, err)
	assert.Equal(t, DefaultCodec, c.Name())

	_, err = Lookup("xml")
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestRoundTrip(t *testing.T) {
	for _, c := range allCodecs(t) {
		t.Run(c.Name(), func(t *testing.T) {
			for _, want := range sampleRequests() {
				frame, err := Encode(c, &want)
				require.NoError(t, err)

				var got types.JobRequest
				require.NoError(t, Decode(c, frame, &got))
				assert.True(t, want.Equal(got), "want %s, got %s", want, got)
				assert.Equal(t, time.UTC, got.StartTime.Location())
			}

			for _, n := range []uint64{0, 1, 30, 1 << 40} {
				frame, err := Encode(c, types.JobResponse{MaxJobs: n})
				require.NoError(t, err)

				var got types.JobResponse
				require.NoError(t, Decode(c, frame, &got))
				assert.Equal(t, n, got.MaxJobs)
			}
		})
	}
}

func TestRoundTripTimeRangeEdges(t *testing.T) {
	edges := []types.JobRequest{
		types.NewJobRequest(time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC), time.Second, uuid.New()),
		types.NewJobRequest(time.Date(9999, 12, 31, 23, 59, 59, 999e6, time.UTC), time.Second, uuid.New()),
	}
	for _, c := range allCodecs(t) {
		for _, want := range edges {
			frame, err := Encode(c, &want)
			require.NoError(t, err, c.Name())

			var got types.JobRequest
			require.NoError(t, Decode(c, frame, &got), c.Name())
			assert.True(t, want.Equal(got), "%s: want %s, got %s", c.Name(), want, got)
		}
	}

	// Beyond year 9999 only the integer-millisecond codecs can carry the start time.
	far := types.NewJobRequest(time.UnixMilli(1e15), time.Second, uuid.New())
	for _, c := range allCodecs(t) {
		frame, err := Encode(c, &far)
		if c.Name() == CodecJSON {
			assert.ErrorIs(t, err, ErrSchema)
			assert.True(t, IsProtocolError(err))
			continue
		}
		require.NoError(t, err, c.Name())
		var got types.JobRequest
		require.NoError(t, Decode(c, frame, &got), c.Name())
		assert.True(t, far.Equal(got), c.Name())
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	req := sampleRequests()[0]
	for _, c := range allCodecs(t) {
		a, err := Encode(c, &req)
		require.NoError(t, err)
		b, err := Encode(c, &req)
		require.NoError(t, err)
		assert.Equal(t, a, b, c.Name())
		assert.Equal(t, uint32(len(a)-HeaderLen), binary.BigEndian.Uint32(a), c.Name())
	}
}

func TestDecodeFramingErrors(t *testing.T) {
	req := sampleRequests()[0]
	c := MsgpackCodec{}
	frame, err := Encode(c, &req)
	require.NoError(t, err)

	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"empty", nil, ErrTruncatedFrame},
		{"partial header", frame[:2], ErrTruncatedFrame},
		{"partial body", frame[:len(frame)-3], ErrTruncatedFrame},
		{"extra body", append(append([]byte{}, frame...), 0x00), ErrLengthMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got types.JobRequest
			err := Decode(c, tt.frame, &got)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsProtocolError(err))
		})
	}
}

func TestDecodeSchemaErrors(t *testing.T) {
	for _, c := range allCodecs(t) {
		t.Run(c.Name(), func(t *testing.T) {
			// A request body decoded as a response, and the reverse.
			reqFrame, err := Encode(c, sampleRequests()[0])
			require.NoError(t, err)
			var resp types.JobResponse
			assert.ErrorIs(t, Decode(c, reqFrame, &resp), ErrSchema)

			respFrame, err := Encode(c, types.JobResponse{MaxJobs: 7})
			require.NoError(t, err)
			var req types.JobRequest
			assert.ErrorIs(t, Decode(c, respFrame, &req), ErrSchema)

			garbage := []byte{0xc1, 0xff, 0x00, 0x13, 0x37}
			frame := make([]byte, HeaderLen+len(garbage))
			binary.BigEndian.PutUint32(frame, uint32(len(garbage)))
			copy(frame[HeaderLen:], garbage)
			assert.ErrorIs(t, Decode(c, frame, &req), ErrSchema)
		})
	}
}

func TestJSONRejectsMalformedFields(t *testing.T) {
	c := JSONCodec{}
	bodies := []string{
		`{"start_time":"yesterday","duration_ms":1,"id":"6f1c2a43-8f0a-4c3e-9b6e-1d2a3b4c5d6e"}`,
		`{"start_time":"2026-01-01T00:00:00.000Z","duration_ms":-1,"id":"6f1c2a43-8f0a-4c3e-9b6e-1d2a3b4c5d6e"}`,
		`{"start_time":"2026-01-01T00:00:00.000Z","duration_ms":1,"id":"not-a-uuid"}`,
		`{"start_time":"2026-01-01T00:00:00.000Z","duration_ms":18446744073709551615,"id":"6f1c2a43-8f0a-4c3e-9b6e-1d2a3b4c5d6e"}`,
		`{"start_time":"2026-01-01T00:00:00.000Z","duration_ms":1}`,
	}
	for _, body := range bodies {
		var req types.JobRequest
		assert.ErrorIs(t, c.Unmarshal([]byte(body), &req), ErrSchema, body)
	}

	var req types.JobRequest
	require.NoError(t, c.Unmarshal([]byte(
		`{"start_time":"2026-01-01T08:00:00.500+08:00","duration_ms":1500,"id":"6f1c2a43-8f0a-4c3e-9b6e-1d2a3b4c5d6e"}`), &req))
	assert.True(t, req.StartTime.Equal(time.Date(2026, 1, 1, 0, 0, 0, 500*int(time.Millisecond), time.UTC)))
	assert.Equal(t, 1500*time.Millisecond, req.Duration)
}

func TestMsgpackRejectsMissingKeys(t *testing.T) {
	c := MsgpackCodec{}
	id := uuid.New()
	bodies := []map[string]any{
		{},
		{"duration_ms": uint64(1), "id": id[:]},
		{"start_time": int64(0), "id": id[:]},
		{"start_time": int64(0), "duration_ms": uint64(1)},
	}
	for _, body := range bodies {
		data, err := msgpack.Marshal(body)
		require.NoError(t, err)
		var req types.JobRequest
		assert.ErrorIs(t, c.Unmarshal(data, &req), ErrSchema, "%v", body)
	}

	empty, err := msgpack.Marshal(map[string]any{})
	require.NoError(t, err)
	for _, codec := range []Codec{c, JSONCodec{}} {
		body := empty
		if codec.Name() == CodecJSON {
			body = []byte(`{}`)
		}
		var resp types.JobResponse
		assert.ErrorIs(t, codec.Unmarshal(body, &resp), ErrSchema, codec.Name())
	}
}

func TestMarshalRejectsUnsupported(t *testing.T) {
	for _, c := range allCodecs(t) {
		_, err := c.Marshal("job")
		assert.ErrorIs(t, err, ErrUnsupportedMessage, c.Name())

		var s string
		assert.ErrorIs(t, c.Unmarshal([]byte{}, &s), ErrUnsupportedMessage, c.Name())

		neg := types.JobRequest{Duration: -time.Second}
		_, err = c.Marshal(&neg)
		assert.ErrorIs(t, err, ErrSchema, c.Name())
	}
}

func TestReadWriteFrame(t *testing.T) {
	reqs := sampleRequests()
	for _, c := range allCodecs(t) {
		t.Run(c.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			for i := range reqs {
				require.NoError(t, WriteFrame(&buf, c, &reqs[i]))
			}
			for _, want := range reqs {
				var got types.JobRequest
				require.NoError(t, ReadFrame(&buf, c, &got, 0))
				assert.True(t, want.Equal(got))
			}
			var extra types.JobRequest
			assert.Equal(t, io.EOF, ReadFrame(&buf, c, &extra, 0))
		})
	}
}

func TestReadFrameErrors(t *testing.T) {
	c := MsgpackCodec{}
	req := sampleRequests()[0]
	frame, err := Encode(c, &req)
	require.NoError(t, err)

	t.Run("truncated header", func(t *testing.T) {
		var got types.JobRequest
		err := ReadFrame(bytes.NewReader(frame[:3]), c, &got, 0)
		assert.ErrorIs(t, err, ErrTruncatedFrame)
	})

	t.Run("truncated body", func(t *testing.T) {
		var got types.JobRequest
		err := ReadFrame(bytes.NewReader(frame[:len(frame)-1]), c, &got, 0)
		assert.ErrorIs(t, err, ErrTruncatedFrame)
	})

	t.Run("too large", func(t *testing.T) {
		var got types.JobRequest
		err := ReadFrame(bytes.NewReader(frame), c, &got, len(frame)-HeaderLen-1)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("transport failure", func(t *testing.T) {
		client, server := net.Pipe()
		require.NoError(t, server.Close())
		defer client.Close()

		var got types.JobRequest
		err := ReadFrame(client, c, &got, 0)
		assert.True(t, errors.Is(err, io.EOF) || IsTransportError(err), "got %v", err)
	})
}

func TestErrorMessages(t *testing.T) {
	pe := &ProtocolError{Op: "decode", Codec: "json", Reason: ErrSchema, Err: errors.New("bad id")}
	assert.Equal(t, "protocol error: decode (json): wire: body does not match schema: bad id", pe.Error())

	te := &TransportError{Op: "connect", Addr: "127.0.0.1:9696", Err: errors.New("refused")}
	assert.Equal(t, "transport error: connect 127.0.0.1:9696: refused", te.Error())
	assert.True(t, IsTransportError(te))
	assert.False(t, IsProtocolError(te))
}

func TestLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ProtocolError{Op: "read", Reason: ErrTruncatedFrame}, "truncated_frame"},
		{fmt.Errorf("conn: %w", &ProtocolError{Op: "read", Reason: ErrFrameTooLarge}), "frame_too_large"},
		{&ProtocolError{Op: "decode", Reason: ErrSchema}, "schema"},
		{&TransportError{Op: "read", Err: io.ErrClosedPipe}, ""},
		{nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Label(tt.err))
	}
}
