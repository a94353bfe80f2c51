package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rmax-ai/crmseed/pkg/mcp"
)

func main() {
	addr := flag.String("addr", envOr("CRMSEED_URL", "http://127.0.0.1:8090"), "crmseed-d URL")
	token := flag.String("token", os.Getenv("CRMSEED_TOKEN"), "operator bearer token")
	flag.Parse()

	if err := mcp.NewServer(*addr, *token).Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "crmseed-mcp: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
