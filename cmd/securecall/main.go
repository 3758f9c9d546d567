package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/securecall/securecall/internal/cli"
)

func main() {
	// Optional .env for local development; config layering handles the rest.
	_ = godotenv.Load()

	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
