// Package transport carries sessions between an entity manager and its
// clients over a bidirectional gRPC stream encoded with the wire codec.
package transport

import (
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const (
	// ServiceName is the gRPC service name.
	ServiceName = "posesync.v1.SessionService"
	// ConnectMethod is the full method name of the session stream.
	ConnectMethod = "/" + ServiceName + "/Connect"

	// excludeKey is the request metadata key listing entity ids the client
	// publishes itself and must not be sent back.
	excludeKey = "posesync-exclude"

	// maxMsgSize bounds a single update; large scenes push many entities per frame.
	maxMsgSize = 16 * 1024 * 1024
)

// sessionService is the handler type registered with grpc.
type sessionService interface {
	connect(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*sessionService)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Connect",
		Handler:       connectHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "posesync/v1/session.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(sessionService).connect(stream)
}

// ServerOptions returns the grpc.Server options sessions are served with.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	}
}

func excludedFromMetadata(md metadata.MD) []string {
	var out []string
	for _, v := range md.Get(excludeKey) {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}
