package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/whamcloud/lmgr/internal/common/mgrcontext"
)

// CreateContextWithShutdown returns a context that will report done when a SIGINT or SIGTERM is received.
func CreateContextWithShutdown() *mgrcontext.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			logrus.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return mgrcontext.New(ctx, logrus.NewEntry(logrus.StandardLogger()))
}
