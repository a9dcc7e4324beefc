package main

import (
	"os"

	"github.com/supporttools/dbsavr/pkg/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
