// Package wire carries JobRequest and JobResponse values between processes as length-prefixed
// frames. The frame layout is fixed; the body format is chosen per deployment.
package wire

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ChuLiYu/omni-node/pkg/types"
)

// Codec serializes a single message body. Marshal and Unmarshal accept *types.JobRequest and
// *types.JobResponse (Marshal also accepts the values). The method set matches
// google.golang.org/grpc/encoding.Codec, so every Codec can be forced onto a gRPC channel.
type Codec interface {
	Name() string
	Marshal(msg any) ([]byte, error)
	Unmarshal(data []byte, msg any) error
}

// Codec names accepted in configuration.
const (
	CodecMsgpack  = "msgpack"
	CodecJSON     = "json"
	CodecProtobuf = "protobuf"
)

// DefaultCodec is the body format used when none is configured.
const DefaultCodec = CodecMsgpack

var codecs = map[string]Codec{
	CodecMsgpack:  MsgpackCodec{},
	CodecJSON:     JSONCodec{},
	CodecProtobuf: ProtobufCodec{},
}

// Lookup returns the codec registered under name.
func Lookup(name string) (Codec, error) {
	if name == "" {
		name = DefaultCodec
	}
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownCodec, name, Names())
	}
	return c, nil
}

// Names lists the registered codec names in sorted order.
func Names() []string {
	names := make([]string, 0, len(codecs))
	for n := range codecs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// maxDurationMillis is the largest duration_ms that still fits in a time.Duration.
const maxDurationMillis = uint64(math.MaxInt64 / int64(time.Millisecond))

func durationToMillis(d time.Duration) (uint64, error) {
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", d)
	}
	return uint64(d / time.Millisecond), nil
}

func millisToDuration(ms uint64) (time.Duration, error) {
	if ms > maxDurationMillis {
		return 0, fmt.Errorf("duration_ms %d overflows", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// requestOf and responseOf accept both pointer and value forms on the encode side.
func requestOf(msg any) (*types.JobRequest, bool) {
	switch m := msg.(type) {
	case *types.JobRequest:
		return m, m != nil
	case types.JobRequest:
		return &m, true
	}
	return nil, false
}

func responseOf(msg any) (*types.JobResponse, bool) {
	switch m := msg.(type) {
	case *types.JobResponse:
		return m, m != nil
	case types.JobResponse:
		return &m, true
	}
	return nil, false
}
