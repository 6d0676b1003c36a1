// Settle MCP Server - Exposes escrow settlement capabilities as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/settle/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:       envOrDefault("SETTLE_API_URL", "http://localhost:8080"),
		PartyAddress: os.Getenv("SETTLE_PARTY_ADDRESS"),
		Moderator:    os.Getenv("SETTLE_MODERATOR"),
	}

	if cfg.PartyAddress == "" {
		fmt.Fprintln(os.Stderr, "SETTLE_PARTY_ADDRESS is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
