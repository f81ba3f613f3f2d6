package main

import "github.com/Sentinel-Gate/overlay-mcp/cmd/overlay-mcp/cmd"

func main() {
	cmd.Execute()
}
