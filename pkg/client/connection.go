package client

import (
	"strings"
	"time"

	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	mgrgrpc "github.com/whamcloud/lmgr/internal/common/grpc"
)

type ApiConnectionDetails struct {
	Url        string
	ForceNoTls bool
}

func CreateApiConnection(config *ApiConnectionDetails, additionalDialOptions ...grpc.DialOption) (*grpc.ClientConn, error) {
	return CreateApiConnectionWithCallOptions(config, []grpc.CallOption{}, additionalDialOptions...)
}

// CreateApiConnectionWithCallOptions dials the manager. Calls use the json codec, wait for the connection to
// be ready and are retried with exponential backoff.
func CreateApiConnectionWithCallOptions(
	config *ApiConnectionDetails,
	additionalDefaultCallOptions []grpc.CallOption,
	additionalDialOptions ...grpc.DialOption,
) (*grpc.ClientConn, error) {
	retryOpts := []grpc_retry.CallOption{
		grpc_retry.WithBackoff(grpc_retry.BackoffExponential(1 * time.Second)),
		grpc_retry.WithMax(3),
	}

	callOptions := append(additionalDefaultCallOptions, grpc.WaitForReady(true), grpc.CallContentSubtype(mgrgrpc.CodecName))

	dialOpts := append(additionalDialOptions,
		grpc.WithDefaultCallOptions(callOptions...),
		grpc.WithChainUnaryInterceptor(grpc_retry.UnaryClientInterceptor(retryOpts...)),
		transportCredentials(config))

	return grpc.Dial(config.Url, dialOpts...)
}

func transportCredentials(config *ApiConnectionDetails) grpc.DialOption {
	if !config.ForceNoTls && !strings.Contains(config.Url, "localhost") {
		return grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))
	}
	return grpc.WithTransportCredentials(insecure.NewCredentials())
}
