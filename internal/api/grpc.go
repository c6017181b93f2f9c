package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kelpejol/creditledger/internal/ledger"
	"github.com/kelpejol/creditledger/internal/usage"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "creditledger.v1.CreditService"

const maxMsgSize = 4 * 1024 * 1024

// HoldRequest is the CreateHold payload.
type HoldRequest struct {
	AccountID      string  `json:"account_id"`
	MaxQuantity    float64 `json:"max_quantity"`
	Ref            string  `json:"ref"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// HoldResponse lists the holds placed, one per batch drawn from.
type HoldResponse struct {
	HoldIDs []string `json:"hold_ids"`
}

// UsageRequest is the RecordUsage payload.
type UsageRequest struct {
	AccountID      string   `json:"account_id"`
	HoldIDs        []string `json:"hold_ids"`
	InputTokens    int64    `json:"input_tokens"`
	OutputTokens   int64    `json:"output_tokens"`
	ResourceClass  string   `json:"resource_class"`
	Ref            string   `json:"ref"`
	IdempotencyKey string   `json:"idempotency_key"`
}

// AddCreditRequest is the AddCredit payload.
type AddCreditRequest struct {
	AccountID      string     `json:"account_id"`
	Quantity       float64    `json:"quantity"`
	IdempotencyKey string     `json:"idempotency_key"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// AddCreditResponse carries the batch created, or the original batch on replay.
type AddCreditResponse struct {
	BatchID string `json:"batch_id"`
}

// RemoveCreditRequest is the RemoveCredit payload.
type RemoveCreditRequest struct {
	AccountID      string  `json:"account_id"`
	BatchID        string  `json:"batch_id"`
	Quantity       float64 `json:"quantity"`
	Reason         string  `json:"reason"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// RemoveCreditResponse reports how much was actually removed.
type RemoveCreditResponse struct {
	Removed int64 `json:"removed"`
}

// BalanceRequest is the GetBalance payload.
type BalanceRequest struct {
	AccountID string `json:"account_id"`
}

// CreditServiceServer is the server API for the credit service.
//
// Messages travel as google.protobuf.Struct so clients in any language can
// call the service without generated stubs.
type CreditServiceServer interface {
	CreateHold(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RecordUsage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	AddCredit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RemoveCredit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// CreditServiceDesc describes the service for grpc.ServiceRegistrar.
var CreditServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CreditServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CreateHold", CreditServiceServer.CreateHold),
		unaryMethod("RecordUsage", CreditServiceServer.RecordUsage),
		unaryMethod("AddCredit", CreditServiceServer.AddCredit),
		unaryMethod("RemoveCredit", CreditServiceServer.RemoveCredit),
		unaryMethod("GetBalance", CreditServiceServer.GetBalance),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "creditledger/v1/credit.proto",
}

func unaryMethod(name string, call func(CreditServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CreditServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(CreditServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// RegisterCreditServiceServer registers srv on s.
func RegisterCreditServiceServer(s grpc.ServiceRegistrar, srv CreditServiceServer) {
	s.RegisterService(&CreditServiceDesc, srv)
}

// GRPCHandler adapts CreditService to CreditServiceServer.
type GRPCHandler struct {
	svc *CreditService
	log zerolog.Logger
}

// NewGRPCHandler creates a GRPCHandler.
func NewGRPCHandler(svc *CreditService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		svc: svc,
		log: logger.With().Str("component", "grpc_handler").Logger(),
	}
}

// CreateHold places holds for an upper-bound estimate.
func (h *GRPCHandler) CreateHold(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req HoldRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, h.toStatus(err)
	}
	ids, err := h.svc.CreateCreditHold(ctx, req.AccountID, req.MaxQuantity, req.Ref, req.IdempotencyKey)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return encodeStruct(HoldResponse{HoldIDs: ids})
}

// RecordUsage prices token usage and captures the holds.
func (h *GRPCHandler) RecordUsage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req UsageRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, h.toStatus(err)
	}
	rec := usage.Record{InputTokens: req.InputTokens, OutputTokens: req.OutputTokens}
	res, err := h.svc.RecordUsedTokens(ctx, req.AccountID, req.HoldIDs, rec, req.ResourceClass, req.Ref, req.IdempotencyKey)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return encodeStruct(res)
}

// AddCredit grants a batch.
func (h *GRPCHandler) AddCredit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AddCreditRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, h.toStatus(err)
	}
	id, err := h.svc.AddCredit(ctx, req.AccountID, req.Quantity, req.IdempotencyKey, req.ExpiresAt)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return encodeStruct(AddCreditResponse{BatchID: id})
}

// RemoveCredit claws back credit from a batch.
func (h *GRPCHandler) RemoveCredit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RemoveCreditRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, h.toStatus(err)
	}
	n, err := h.svc.RemoveCredit(ctx, req.AccountID, req.BatchID, req.Quantity, req.Reason, req.IdempotencyKey)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return encodeStruct(RemoveCreditResponse{Removed: n})
}

// GetBalance returns the account's available and held credit.
func (h *GRPCHandler) GetBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req BalanceRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, h.toStatus(err)
	}
	b, err := h.svc.GetBalance(ctx, req.AccountID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return encodeStruct(b)
}

func (h *GRPCHandler) toStatus(err error) error {
	switch Classify(err) {
	case KindInsufficient:
		return status.Error(codes.FailedPrecondition, err.Error())
	case KindInvalid:
		return status.Error(codes.InvalidArgument, err.Error())
	case KindNotFound:
		return status.Error(codes.NotFound, err.Error())
	default:
		h.log.Error().Err(err).Msg("request failed")
		return status.Error(codes.Internal, "internal server error")
	}
}

// FromStatus maps a gRPC status back onto the service's sentinel errors so
// clients can use errors.Is.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", ledger.ErrInsufficientCredit, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, st.Message())
	default:
		return err
	}
}

func decodeStruct(in *structpb.Struct, v interface{}) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func encodeStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// NewServer creates a gRPC server with panic recovery, request logging,
// keepalive and message size limits.
func NewServer(logger zerolog.Logger) *grpc.Server {
	recoveryOpts := []grpc_recovery.Option{
		grpc_recovery.WithRecoveryHandler(func(p interface{}) error {
			logger.Error().
				Interface("panic", p).
				Msg("recovered from panic in gRPC handler")
			return status.Errorf(codes.Internal, "internal server error")
		}),
	}

	loggingInterceptor := func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		logger.Info().
			Str("method", info.FullMethod).
			Dur("duration_ms", time.Since(start)).
			Str("code", status.Code(err).String()).
			Err(err).
			Msg("grpc request completed")

		return resp, err
	}

	return grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_recovery.UnaryServerInterceptor(recoveryOpts...),
			loggingInterceptor,
		)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Minute,
			Time:                  5 * time.Minute,
			Timeout:               1 * time.Minute,
		}),
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
}

// Client is a typed client for CreditServiceServer.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a Client over cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	in, err := encodeStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return FromStatus(err)
	}
	data, err := protojson.Marshal(out)
	if err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if err := json.Unmarshal(data, resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

// CreateHold calls CreditService.CreateHold.
func (c *Client) CreateHold(ctx context.Context, req HoldRequest) ([]string, error) {
	var resp HoldResponse
	if err := c.invoke(ctx, "CreateHold", req, &resp); err != nil {
		return nil, err
	}
	return resp.HoldIDs, nil
}

// RecordUsage calls CreditService.RecordUsage.
func (c *Client) RecordUsage(ctx context.Context, req UsageRequest) (Settlement, error) {
	var resp Settlement
	err := c.invoke(ctx, "RecordUsage", req, &resp)
	return resp, err
}

// AddCredit calls CreditService.AddCredit.
func (c *Client) AddCredit(ctx context.Context, req AddCreditRequest) (string, error) {
	var resp AddCreditResponse
	if err := c.invoke(ctx, "AddCredit", req, &resp); err != nil {
		return "", err
	}
	return resp.BatchID, nil
}

// RemoveCredit calls CreditService.RemoveCredit.
func (c *Client) RemoveCredit(ctx context.Context, req RemoveCreditRequest) (int64, error) {
	var resp RemoveCreditResponse
	if err := c.invoke(ctx, "RemoveCredit", req, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// GetBalance calls CreditService.GetBalance.
func (c *Client) GetBalance(ctx context.Context, accountID string) (ledger.Balance, error) {
	var resp ledger.Balance
	err := c.invoke(ctx, "GetBalance", BalanceRequest{AccountID: accountID}, &resp)
	return resp, err
}
