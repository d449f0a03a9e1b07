package main

import (
	"os"

	"vqvdb/internal/cli"
)

func main() {
	os.Exit(cli.Main())
}
