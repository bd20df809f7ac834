// bridge-mcp exposes the studio bridge to MCP clients over stdio. Every tool
// forwards to the bridge HTTP API, so the bridge must already be running.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/workspace/studio-bridge/internal/client"
	"github.com/workspace/studio-bridge/internal/logging"
)

const version = "0.4.0"

func main() {
	// stdout carries the MCP protocol. Setup logs to stderr.
	logging.Setup()

	api := client.New(bridgeURL(), os.Getenv("BRIDGE_TOKEN"))
	s := newMCPServer(api, version)

	slog.Info("bridge-mcp: serving on stdio", "bridge", bridgeURL())
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "bridge-mcp: %v\n", err)
		os.Exit(1)
	}
}

func bridgeURL() string {
	if u := os.Getenv("BRIDGE_URL"); u != "" {
		return u
	}
	host := os.Getenv("BRIDGE_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("BRIDGE_PORT")
	if port == "" {
		port = "4849"
	}
	return "http://" + net.JoinHostPort(host, port)
}
