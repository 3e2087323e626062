package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
	"github.com/pesio-ai/be-approval-workflows/pkg/auth"
	apperrors "github.com/pesio-ai/be-approval-workflows/pkg/errors"
)

const grpcServiceName = "approvals.v1.ApprovalService"

// ApprovalServiceServer is the gRPC surface. Messages are google.protobuf.Struct
// carrying the same JSON shapes as the HTTP API.
type ApprovalServiceServer interface {
	SubmitRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitDecision(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ProcessToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Rollback(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ApprovalServiceDesc describes ApprovalServiceServer to grpc.Server.
var ApprovalServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitRequest", ApprovalServiceServer.SubmitRequest),
		unary("SubmitDecision", ApprovalServiceServer.SubmitDecision),
		unary("ProcessToken", ApprovalServiceServer.ProcessToken),
		unary("Rollback", ApprovalServiceServer.Rollback),
		unary("GetRequest", ApprovalServiceServer.GetRequest),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "approvals/v1/approvals.proto",
}

// RegisterApprovalServiceServer registers srv on s.
func RegisterApprovalServiceServer(s grpc.ServiceRegistrar, srv ApprovalServiceServer) {
	s.RegisterService(&ApprovalServiceDesc, srv)
}

type unaryCall func(ApprovalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ApprovalServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + grpcServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ApprovalServiceServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// GRPCHandler implements ApprovalServiceServer
type GRPCHandler struct {
	service *service.ApprovalRoutingService
	logger  zerolog.Logger
}

var _ ApprovalServiceServer = (*GRPCHandler)(nil)

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(svc *service.ApprovalRoutingService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		service: svc,
		logger:  logger.With().Str("handler", "grpc").Logger(),
	}
}

// SubmitRequest starts a request on behalf of the caller
func (h *GRPCHandler) SubmitRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := auth.GetUserContext(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	var req submitRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	h.logger.Info().
		Str("workflow_id", req.WorkflowID).
		Str("caller", caller.UserID).
		Msg("gRPC SubmitRequest called")

	tr, err := h.service.SubmitRequest(ctx, caller, service.SubmitInput{
		WorkflowID:   req.WorkflowID,
		RequesterID:  req.RequesterID,
		DepartmentID: req.DepartmentID,
		Title:        req.Title,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Payload:      req.Payload,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to submit request")
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toTransitionResponse(tr))
}

// SubmitDecision records the caller's decision on a request
func (h *GRPCHandler) SubmitDecision(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := auth.GetUserContext(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	var req struct {
		RequestID string `json:"request_id"`
		Decision  string `json:"decision"`
		decisionRequest
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if d, ok := portalActions[req.Decision]; ok {
		req.Decision = d
	}
	h.logger.Info().
		Str("request_id", req.RequestID).
		Str("decision", req.Decision).
		Msg("gRPC SubmitDecision called")

	tr, err := h.service.Decide(ctx, caller, service.DecisionInput{
		RequestID:   req.RequestID,
		ExecutionID: req.ExecutionID,
		Decision:    req.Decision,
		Notes:       req.Notes,
		ForwardTo:   req.ForwardTo,
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("Decision refused")
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toTransitionResponse(tr))
}

// ProcessToken records a decision through an approval link. No caller
// identity is needed; the token is the credential.
func (h *GRPCHandler) ProcessToken(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		Token     string                     `json:"token"`
		Action    string                     `json:"action"`
		Notes     string                     `json:"notes"`
		ForwardTo *repository.AssignmentRule `json:"forward_to"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	decision, ok := portalActions[req.Action]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "action must be approve, reject or forward")
	}
	tr, err := h.service.ProcessToken(ctx, req.Token, decision, req.Notes, req.ForwardTo)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toTransitionResponse(tr))
}

// Rollback returns a request to an earlier step
func (h *GRPCHandler) Rollback(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := auth.GetUserContext(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	var req struct {
		RequestID string `json:"request_id"`
		rollbackRequest
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	h.logger.Info().
		Str("request_id", req.RequestID).
		Int("to_sequence", req.ToSequence).
		Msg("gRPC Rollback called")

	tr, err := h.service.Rollback(ctx, caller, req.RequestID, req.ToSequence, req.Reason)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to roll back request")
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toTransitionResponse(tr))
}

// GetRequest retrieves a request with its step executions
func (h *GRPCHandler) GetRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := auth.GetUserContext(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	id := in.GetFields()["id"].GetStringValue()
	details, err := h.service.GetRequest(ctx, caller, id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toDetailsResponse(details))
}

// fromStruct decodes a Struct into one of the JSON request shapes. Numbers
// travel as doubles, so the round trip goes through encoding/json.
func fromStruct(in *structpb.Struct, v any) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid message")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Error(codes.InvalidArgument, fmt.Sprintf("invalid message: %v", err))
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeNotFound:
		return status.Error(codes.NotFound, err.Error())
	case apperrors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, err.Error())
	case apperrors.ErrCodeUnauthorized:
		return status.Error(codes.Unauthenticated, err.Error())
	case apperrors.ErrCodeForbidden:
		return status.Error(codes.PermissionDenied, err.Error())
	case apperrors.ErrCodeTokenInvalid:
		return status.Error(codes.PermissionDenied, tokenErrorMessage)
	case apperrors.ErrCodeConflict:
		if apperrors.Is(err, service.ErrDuplicateDecision) {
			return status.Error(codes.AlreadyExists, err.Error())
		}
		if apperrors.Is(err, service.ErrConcurrentUpdate) {
			return status.Error(codes.Aborted, err.Error())
		}
		return status.Error(codes.FailedPrecondition, err.Error())
	case apperrors.ErrCodeConfiguration:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
