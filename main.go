package main

import (
	"os"

	"plugenv/cli"
)

func main() {
	os.Exit(cli.Execute())
}
