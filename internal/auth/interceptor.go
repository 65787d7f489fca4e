package auth

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ModeAPIKey enables key checks. Any other mode disables them.
const ModeAPIKey = "apikey"

func enforced(mode, key string) bool { return mode == ModeAPIKey && key != "" }

func matches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// checkMetadata validates the key carried in the incoming gRPC metadata.
func checkMetadata(ctx context.Context, header, key string) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get(header)
	if len(vals) == 0 || !matches(vals[0], key) {
		return status.Error(codes.Unauthenticated, "invalid api key")
	}
	return nil
}

// APIKeyInterceptor returns a unary interceptor that rejects calls whose
// header metadata does not carry key with codes.Unauthenticated.
func APIKeyInterceptor(mode, header, key string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !enforced(mode, key) {
			return handler(ctx, req)
		}
		if err := checkMetadata(ctx, header, key); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// APIKeyStreamInterceptor is the streaming counterpart of APIKeyInterceptor,
// needed for the health service's Watch method.
func APIKeyStreamInterceptor(mode, header, key string) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if !enforced(mode, key) {
			return handler(srv, ss)
		}
		if err := checkMetadata(ss.Context(), header, key); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
