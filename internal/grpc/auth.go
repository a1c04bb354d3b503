package grpc

import (
	"crypto/subtle"
	"strings"

	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"floatingspheres/broker/internal/logging"
)

// SharedSecretKey carries the admin token on incoming streams.
const SharedSecretKey = "x-spheres-token"

// ServerOptions builds the interceptor chain for the frame stream server:
// trace propagation always, shared-secret checks when a token is configured.
func ServerOptions(token string, logger *logging.Logger) []grpclib.ServerOption {
	if logger == nil {
		logger = logging.L()
	}
	interceptors := []grpclib.StreamServerInterceptor{logging.StreamTraceInterceptor(logger)}
	if strings.TrimSpace(token) != "" {
		interceptors = append(interceptors, NewSharedSecretStreamInterceptor(token))
		logger.Info("gRPC shared-secret authentication enabled")
	} else {
		logger.Warn("gRPC authentication disabled")
	}
	return []grpclib.ServerOption{grpclib.ChainStreamInterceptor(interceptors...)}
}

// NewSharedSecretStreamInterceptor rejects streams that do not present secret.
func NewSharedSecretStreamInterceptor(secret string) grpclib.StreamServerInterceptor {
	normalized := strings.TrimSpace(secret)
	return func(srv any, ss grpclib.ServerStream, info *grpclib.StreamServerInfo, handler grpclib.StreamHandler) error {
		if normalized == "" {
			return status.Error(codes.Unauthenticated, "shared secret not configured")
		}
		md, ok := metadata.FromIncomingContext(ss.Context())
		if !ok {
			return status.Error(codes.Unauthenticated, "missing metadata")
		}
		candidate := extractSharedSecret(md)
		if candidate == "" {
			return status.Error(codes.Unauthenticated, "missing shared secret")
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(normalized)) != 1 {
			return status.Error(codes.Unauthenticated, "invalid shared secret")
		}
		return handler(srv, ss)
	}
}

func extractSharedSecret(md metadata.MD) string {
	for _, value := range md.Get(SharedSecretKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
			if token := strings.TrimSpace(value[7:]); token != "" {
				return token
			}
		}
	}
	return ""
}
