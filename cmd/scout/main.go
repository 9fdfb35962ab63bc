// Command scout runs the discovery server and its operator tooling.
package main

import (
	"os"

	"github.com/scout-hq/scout/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
