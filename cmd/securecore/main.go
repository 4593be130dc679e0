package main

import (
	"os"

	"github.com/syncweave/securecore/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
