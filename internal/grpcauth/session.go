package grpcauth

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"learnhub.org/internal/auth"
)

// SessionServiceName is the gRPC service reporting the caller's own account.
// It relies on UnaryServerInterceptor for the identity and must never be
// listed as public.
const SessionServiceName = "learnhub.session.v1.Session"

const whoAmIMethod = "/" + SessionServiceName + "/WhoAmI"

// Profiles resolves a verified subject to its account.
type Profiles interface {
	WhoAmI(ctx context.Context, subjectID string) (*auth.User, error)
}

type sessionHandler interface {
	whoAmI(ctx context.Context) (*structpb.Struct, error)
}

type sessionServer struct{ profiles Profiles }

// RegisterSessionServer adds the session service to s.
func RegisterSessionServer(s grpc.ServiceRegistrar, profiles Profiles) {
	s.RegisterService(&sessionServiceDesc, &sessionServer{profiles: profiles})
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*sessionHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "WhoAmI", Handler: whoAmIHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func whoAmIHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(sessionHandler)
	if interceptor == nil {
		return h.whoAmI(ctx)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: whoAmIMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, _ any) (any, error) {
		return h.whoAmI(ctx)
	})
}

func (s *sessionServer) whoAmI(ctx context.Context) (*structpb.Struct, error) {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing access credential")
	}
	u, err := s.profiles.WhoAmI(ctx, id.SubjectID)
	switch {
	case errors.Is(err, auth.ErrInvalidOrExpiredAccess):
		return nil, status.Error(codes.Unauthenticated, "invalid or expired access credential")
	case errors.Is(err, auth.ErrStoreUnavailable):
		return nil, status.Error(codes.Unavailable, "store unavailable")
	case err != nil:
		return nil, status.Error(codes.Internal, "lookup failed")
	}
	return structpb.NewStruct(map[string]any{
		"id":    u.ID,
		"email": u.Email,
		"name":  u.Name,
		"role":  u.Role.String(),
	})
}

// WhoAmI calls the session service over cc.
func WhoAmI(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, whoAmIMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
