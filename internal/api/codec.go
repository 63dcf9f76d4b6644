package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/syncerr"
)

// Messages travel as google.protobuf.Struct; the Go types in this package
// define their shape through their JSON tags.

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	raw, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// statusFor maps a domain error onto a gRPC status.
func statusFor(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return grpcstatus.FromContextError(err).Err()
	}
	var code codes.Code
	switch syncerr.CodeOf(err) {
	case syncerr.CodeInvalidArgument, syncerr.CodeAttachmentTooLarge:
		code = codes.InvalidArgument
	case syncerr.CodeNotFound:
		code = codes.NotFound
	case syncerr.CodeNotRetryable, syncerr.CodeSendRejected:
		code = codes.FailedPrecondition
	case syncerr.CodeTransportUnavailable, syncerr.CodeFetchError:
		code = codes.Unavailable
	case syncerr.CodeSendTimeout:
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return grpcstatus.Error(code, err.Error())
}

// CodeOf recovers the domain code from an RPC error returned by Client.
func CodeOf(err error) syncerr.Code {
	switch grpcstatus.Code(err) {
	case codes.OK:
		return ""
	case codes.InvalidArgument:
		return syncerr.CodeInvalidArgument
	case codes.NotFound:
		return syncerr.CodeNotFound
	case codes.FailedPrecondition:
		return syncerr.CodeNotRetryable
	case codes.Unavailable:
		return syncerr.CodeTransportUnavailable
	case codes.DeadlineExceeded:
		return syncerr.CodeSendTimeout
	default:
		return syncerr.CodeUnknown
	}
}
