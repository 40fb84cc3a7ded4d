package grpcauth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// TokenSource is the part of session.Agent the client interceptor needs.
type TokenSource interface {
	AccessToken() string
	Renew(ctx context.Context, failedAccess string) (string, error)
}

// UnaryClientInterceptor attaches the current access credential to each call.
// On Unauthenticated it renews once through src and retries. If renewal fails
// the original status is returned.
func UnaryClientInterceptor(src TokenSource) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		token := src.AccessToken()
		err := invoker(withBearer(ctx, token), method, req, reply, cc, opts...)
		if token == "" || status.Code(err) != codes.Unauthenticated {
			return err
		}
		fresh, rerr := src.Renew(ctx, token)
		if rerr != nil || fresh == "" {
			return err
		}
		return invoker(withBearer(ctx, fresh), method, req, reply, cc, opts...)
	}
}

func withBearer(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, authorizationKey, "Bearer "+token)
}
