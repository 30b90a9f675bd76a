package main

import (
	"os"

	"github.com/polarfoxDev/cpsnap/cmd/cpsnap/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:]))
}
