package client

import (
	"google.golang.org/grpc"

	"github.com/whamcloud/lmgr/pkg/api"
)

func WithConnection(apiConnectionDetails *ApiConnectionDetails, action func(*grpc.ClientConn) error, additionalDialOptions ...grpc.DialOption) error {
	conn, err := CreateApiConnection(apiConnectionDetails, additionalDialOptions...)
	if err != nil {
		return err
	}
	defer conn.Close()
	return action(conn)
}

func WithManagerClient(apiConnectionDetails *ApiConnectionDetails, action func(api.ManagerClient) error, additionalDialOptions ...grpc.DialOption) error {
	return WithConnection(apiConnectionDetails, func(cc *grpc.ClientConn) error {
		return action(api.NewManagerClient(cc))
	}, additionalDialOptions...)
}
