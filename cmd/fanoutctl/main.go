package main

import (
	"os"

	"github.com/austindbirch/harbor_fanout/cmd/fanoutctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
