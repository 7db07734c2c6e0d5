package main

import (
	"fmt"
	"os"

	"github.com/seaotterie/Grant-Automation-sub007/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
