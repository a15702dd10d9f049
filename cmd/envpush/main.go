package main

import (
	"os"

	"github.com/rancher/envpush/internal/cli"
)

var version = "dev"

func main() {
	os.Exit(cli.Execute(version))
}
