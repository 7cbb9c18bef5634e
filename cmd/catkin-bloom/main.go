package main

import (
	"os"

	"github.com/catkinbloom/catkinbloom/pkg/cli"
)

var version = "dev"

func main() {
	os.Exit(cli.ExecuteWithVersion(version))
}
