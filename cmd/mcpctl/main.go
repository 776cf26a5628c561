package main

import "github.com/scoutflo/mcp-platform/internal/cmd"

func main() {
	cmd.Execute()
}
