package main

import (
	"github.com/YKMeIz/lorabasicsmodem/cmd/lorabasicsmodem/cmd"
)

// version is set at build time.
var version string

func main() {
	cmd.Execute(version)
}
