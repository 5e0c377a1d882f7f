package main

import (
	"os"

	"github.com/Brownie44l1/ctc-detector/internal/cli"
)

func main() {
	os.Exit(cli.Main(os.Args[1:], os.Stdout, os.Stderr))
}
