package api

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kelpejol/creditledger/internal/ledger"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	svc, _ := newTestService(t, nil)

	lis := bufconn.Listen(1024 * 1024)
	srv := NewServer(zerolog.Nop())
	RegisterCreditServiceServer(srv, NewGRPCHandler(svc, zerolog.Nop()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewClient(conn)
}

func TestGRPC_CreditLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := newTestClient(t)

	expires := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	batchID, err := c.AddCredit(ctx, AddCreditRequest{
		AccountID: "acct", Quantity: 50, IdempotencyKey: "grant-1", ExpiresAt: &expires,
	})
	require.NoError(t, err)
	require.NotEmpty(t, batchID)

	again, err := c.AddCredit(ctx, AddCreditRequest{AccountID: "acct", Quantity: 50, IdempotencyKey: "grant-1"})
	require.NoError(t, err)
	assert.Equal(t, batchID, again)

	holds, err := c.CreateHold(ctx, HoldRequest{
		AccountID: "acct", MaxQuantity: 20, Ref: "call-1", IdempotencyKey: "hold-1",
	})
	require.NoError(t, err)
	require.Len(t, holds, 1)

	bal, err := c.GetBalance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, ledger.Balance{AccountID: "acct", Available: 30, Held: 20}, bal)

	res, err := c.RecordUsage(ctx, UsageRequest{
		AccountID: "acct", HoldIDs: holds, InputTokens: 1200, OutputTokens: 300,
		ResourceClass: "gpt-4o", Ref: "call-1", IdempotencyKey: "capture-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Captured)
	assert.Equal(t, int64(14), res.Refunded)
	assert.Equal(t, "6", res.Credits.String())

	removed, err := c.RemoveCredit(ctx, RemoveCreditRequest{
		AccountID: "acct", BatchID: batchID, Quantity: 100, Reason: "chargeback", IdempotencyKey: "remove-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(44), removed)

	bal, err = c.GetBalance(ctx, "acct")
	require.NoError(t, err)
	assert.Zero(t, bal.Available)
	assert.Zero(t, bal.Held)
}

func TestGRPC_StatusMapping(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := newTestClient(t)

	_, err := c.AddCredit(ctx, AddCreditRequest{AccountID: "acct", Quantity: 3, IdempotencyKey: "grant-1"})
	require.NoError(t, err)

	_, err = c.CreateHold(ctx, HoldRequest{AccountID: "acct", MaxQuantity: 10, IdempotencyKey: "hold-1"})
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredit)
	assert.Contains(t, err.Error(), "Add credits or upgrade your plan")

	_, err = c.CreateHold(ctx, HoldRequest{AccountID: "acct", MaxQuantity: 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = c.RemoveCredit(ctx, RemoveCreditRequest{
		AccountID: "acct", BatchID: "missing", Quantity: 1, IdempotencyKey: "remove-1",
	})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.RecordUsage(ctx, UsageRequest{
		AccountID: "acct", HoldIDs: []string{"h"}, InputTokens: 1,
		ResourceClass: "mystery", IdempotencyKey: "capture-1",
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGRPC_MalformedPayload(t *testing.T) {
	svc, _ := newTestService(t, nil)
	h := NewGRPCHandler(svc, zerolog.Nop())

	in, err := structpb.NewStruct(map[string]interface{}{"max_quantity": "lots"})
	require.NoError(t, err)

	_, err = h.CreateHold(context.Background(), in)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
