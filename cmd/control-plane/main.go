package main

import "github.com/mcpgateway/control-plane/cmd/control-plane/cmd"

func main() {
	cmd.Execute()
}
