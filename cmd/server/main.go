// Command server runs the group chat backend and its maintenance tasks
package main

import (
	"log"
	"os"

	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("zap.NewDevelopment: %v", err)
	}
	defer logger.Sync()

	if err := buildRootCmd(logger.Sugar()).Execute(); err != nil {
		logger.Sugar().Errorf("Command failed: %v", err)
		os.Exit(1)
	}
}
