// Package grpcauth carries access credentials over gRPC metadata: a server
// interceptor that verifies them against a method table and a client
// interceptor that attaches them and renews through a session agent.
package grpcauth

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"learnhub.org/internal/auth"
	"learnhub.org/internal/gate"
	"learnhub.org/internal/obs"
)

const authorizationKey = "authorization"

// MethodPolicy classifies full method names ("/pkg.Service/Method") by prefix.
// Methods matching Public skip verification. Everything else needs a valid
// access credential; the longest matching Restricted rule further limits roles.
type MethodPolicy struct {
	Public     []string
	Restricted []gate.Rule
}

func (p MethodPolicy) public(method string) bool {
	for _, prefix := range p.Public {
		if strings.HasPrefix(method, prefix) {
			return true
		}
	}
	return false
}

func (p MethodPolicy) roles(method string) ([]auth.Role, bool) {
	var best *gate.Rule
	for i := range p.Restricted {
		r := &p.Restricted[i]
		if !strings.HasPrefix(method, r.Prefix) {
			continue
		}
		if best == nil || len(r.Prefix) > len(best.Prefix) {
			best = r
		}
	}
	if best == nil {
		return nil, false
	}
	return best.Roles, true
}

// UnaryServerInterceptor verifies the bearer credential of each call.
func UnaryServerInterceptor(verifier auth.Verifier, policy MethodPolicy) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if policy.public(info.FullMethod) {
			return handler(ctx, req)
		}
		ctx, err := authorize(ctx, verifier, policy, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func authorize(ctx context.Context, verifier auth.Verifier, policy MethodPolicy, method string) (context.Context, error) {
	token := bearerFromMetadata(ctx)
	if token == "" {
		return ctx, status.Error(codes.Unauthenticated, "missing access credential")
	}
	id, err := verifier.Verify(token)
	if err != nil {
		return ctx, status.Error(codes.Unauthenticated, "invalid or expired access credential")
	}
	if roles, ok := policy.roles(method); ok && !auth.RoleIn(id.Role, roles) {
		obs.Logger().Debug("grpc role mismatch",
			zap.String("method", method),
			zap.String("role", id.Role.String()))
		return ctx, status.Error(codes.PermissionDenied, "role not permitted")
	}
	ctx = auth.ContextWithIdentity(ctx, id)
	ctx = auth.ContextWithToken(ctx, token)
	return ctx, nil
}

func bearerFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(authorizationKey) {
		scheme, token, found := strings.Cut(strings.TrimSpace(v), " ")
		if found && strings.EqualFold(scheme, "bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	return ""
}
