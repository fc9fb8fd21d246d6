package main

import (
	"os"

	"github.com/whamcloud/lmgr/cmd/lmgr/cmd"
	"github.com/whamcloud/lmgr/internal/common/logging"
)

func main() {
	logging.ConfigureLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
