package main

import (
	"os"

	"pdfhub-offline/internal/cli"
	"pdfhub-offline/internal/logger"
)

func main() {
	if err := cli.Execute(); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}
