package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/domain"
)

func dialDecisionService(t *testing.T, core *Core) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryTraceInterceptor()))
	NewGRPCDecisionServer(core).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPCDecide(t *testing.T) {
	f := newFixture(t, true)
	conn := dialDecisionService(t, f.core)

	in, err := toStruct(DecideRequest{Actor: reader, Action: readInvoice(), Attest: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, grpcTraceKey, "grpc-trace")

	var header metadata.MD
	out := &structpb.Struct{}
	require.NoError(t, conn.Invoke(ctx, DecideMethod, in, out, grpc.Header(&header)))

	assert.Equal(t, []string{"grpc-trace"}, header.Get(grpcTraceKey))
	m := out.AsMap()
	assert.Equal(t, "grpc-trace", m["trace_id"])
	verdict := m["verdict"].(map[string]any)
	assert.Equal(t, string(domain.VerdictAllow), verdict["kind"])
	record := m["record"].(map[string]any)
	assert.Equal(t, "SIGNED", record["status"])
	assert.Equal(t, 1, f.trail.count())
}

func TestGRPCDecideAttestUnavailable(t *testing.T) {
	f := newFixture(t, false)
	conn := dialDecisionService(t, f.core)

	in, err := toStruct(DecideRequest{Actor: reader, Action: readInvoice(), Attest: true})
	require.NoError(t, err)

	err = conn.Invoke(context.Background(), DecideMethod, in, &structpb.Struct{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
