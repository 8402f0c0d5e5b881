package main

import (
	"fmt"
	"os"

	"weather-pipeline/internal/commands"
)

func main() {
	if err := commands.NewMigrateRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
