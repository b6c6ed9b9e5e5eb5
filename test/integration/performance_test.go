// ============================================================================
// omni-node Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: end-to-end throughput of server, tracker and submitters
//
// Test Objectives:
//   1. verify system throughput (submissions/second) over real sockets
//   2. verify the answer after a concurrent burst equals a single-threaded
//      calculation over the same jobs
//   3. verify no submission is lost or double counted
//
// Test Environment:
//   - bounded pool of 8 connection workers, backlog 512
//   - 16 concurrent client goroutines, one connection per submission
//   - jobs from the client generator with a fixed seed
//
// TestSystemThroughput:
//   - submit 500 jobs over TCP
//   - target: >= 50 submissions/s, 100% success
//
// TestTransportsShareRegistry:
//   - half of the jobs over TCP, half over gRPC, same tracker
//
// Notes:
//   - test results affected by system load
//   - CI environment may be slower than local
//
// ============================================================================

package integration

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/omni-node/internal/client"
	"github.com/ChuLiYu/omni-node/internal/overlap"
	"github.com/ChuLiYu/omni-node/internal/server"
	"github.com/ChuLiYu/omni-node/internal/wire"
	"github.com/ChuLiYu/omni-node/pkg/types"
)

const (
	totalJobs   = 500
	concurrency = 16
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type cluster struct {
	tcp     *server.Server
	tracker *server.Tracker
	grpc    string
}

func startCluster(t testing.TB, codec wire.Codec) *cluster {
	t.Helper()
	log := quietLogger()
	tracker := server.NewTracker(nil, server.WithTrackerLogger(log))

	srv := server.New(server.Config{
		Addr:           "127.0.0.1:0",
		Codec:          codec,
		MaxConnections: 8,
		Backlog:        512,
	}, tracker, server.WithLogger(log))
	require.NoError(t, srv.Listen())

	grpcLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcSrv := server.NewGRPCServer("", codec, tracker, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return grpcSrv.Serve(gctx, grpcLn) })
	t.Cleanup(func() {
		cancel()
		_ = g.Wait()
	})

	return &cluster{tcp: srv, tracker: tracker, grpc: grpcLn.Addr().String()}
}

func generateTestJobs(n int) []types.JobRequest {
	gen := client.NewGenerator(client.DefaultGeneratorConfig(), 42)
	jobs := make([]types.JobRequest, n)
	for i := range jobs {
		jobs[i] = gen.Next()
	}
	return jobs
}

// submitAll fans jobs out over concurrency goroutines, picking a submitter per job.
func submitAll(ctx context.Context, jobs []types.JobRequest, pick func(i int) client.Submitter) (ok, failed int64) {
	var succeeded, errs atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			if _, err := pick(i).Submit(gctx, job); err != nil {
				errs.Inc()
				return nil
			}
			succeeded.Inc()
			return nil
		})
	}
	_ = g.Wait()
	return succeeded.Load(), errs.Load()
}

// TestSystemThroughput tests system throughput
//
// Test Flow:
//  1. Start a TCP server with a bounded pool
//  2. Submit 500 jobs from 16 goroutines
//  3. Resubmit one job; the registry is unchanged so the answer covers all 500
//  4. Compare against a single-threaded calculation
func TestSystemThroughput(t *testing.T) {
	codec, err := wire.Lookup(wire.DefaultCodec)
	require.NoError(t, err)
	c := startCluster(t, codec)

	sub := client.NewTCPSubmitter(c.tcp.Addr().String(), codec, 5*time.Second)
	defer sub.Close()

	jobs := generateTestJobs(totalJobs)

	startTime := time.Now()
	ok, failed := submitAll(context.Background(), jobs, func(int) client.Submitter { return sub })
	elapsedTime := time.Since(startTime)

	throughput := float64(ok) / elapsedTime.Seconds()
	t.Logf("=== Performance Test Results ===")
	t.Logf("Total jobs: %d", totalJobs)
	t.Logf("Succeeded: %d", ok)
	t.Logf("Failed: %d", failed)
	t.Logf("Elapsed time: %v", elapsedTime)
	t.Logf("Throughput: %.2f submissions/second", throughput)
	t.Logf("================================")

	require.EqualValues(t, totalJobs, ok)
	assert.Zero(t, failed)
	assert.Equal(t, totalJobs, c.tracker.Len())

	expectedThroughput := 50.0
	if throughput < expectedThroughput {
		t.Errorf("Throughput %.2f/s is below target of %.2f/s", throughput, expectedThroughput)
	}

	resp, err := sub.Submit(context.Background(), jobs[0])
	require.NoError(t, err)
	assert.Equal(t, totalJobs, c.tracker.Len(), "a resubmitted job is not counted twice")

	want := overlap.Calculate(jobs, time.Now()).MaxJobs
	assert.EqualValues(t, want, resp.MaxJobs)

	assert.Eventually(t, func() bool {
		return c.tcp.Stats().Accepted == totalJobs+1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, c.tcp.Stats().Rejected)
}

// TestTransportsShareRegistry sends alternating jobs over TCP and gRPC.
func TestTransportsShareRegistry(t *testing.T) {
	codec, err := wire.Lookup(wire.CodecProtobuf)
	require.NoError(t, err)
	c := startCluster(t, codec)

	tcpSub := client.NewTCPSubmitter(c.tcp.Addr().String(), codec, 5*time.Second)
	defer tcpSub.Close()
	grpcSub, err := client.NewGRPCSubmitter(c.grpc, codec, 5*time.Second)
	require.NoError(t, err)
	defer grpcSub.Close()

	jobs := generateTestJobs(100)
	ok, failed := submitAll(context.Background(), jobs, func(i int) client.Submitter {
		if i%2 == 0 {
			return tcpSub
		}
		return grpcSub
	})
	require.EqualValues(t, 100, ok)
	assert.Zero(t, failed)
	assert.Equal(t, 100, c.tracker.Len())

	resp, err := grpcSub.Submit(context.Background(), jobs[1])
	require.NoError(t, err)
	assert.EqualValues(t, overlap.Calculate(jobs, time.Now()).MaxJobs, resp.MaxJobs)
}

func BenchmarkThroughput(b *testing.B) {
	codec, err := wire.Lookup(wire.DefaultCodec)
	require.NoError(b, err)
	c := startCluster(b, codec)

	sub := client.NewTCPSubmitter(c.tcp.Addr().String(), codec, 5*time.Second)
	defer sub.Close()
	gen := client.NewGenerator(client.DefaultGeneratorConfig(), 1)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := sub.Submit(context.Background(), gen.Next()); err != nil {
				b.Error(err)
			}
		}
	})
}
