package main

import (
	"fmt"
	"os"

	"github.com/fzj-jsc/jube-go/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "jube: %v\n", err)
		return 1
	}
	return 0
}
