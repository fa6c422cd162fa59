// Command durable runs the durable execution log server and inspects the
// executions it records.
package main

import (
	"os"

	"github.com/dshills/durable-go/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:]))
}
