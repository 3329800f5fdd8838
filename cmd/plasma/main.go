// Command plasma runs the router, agent workers, monitor and client tools
// of a plasma deployment.
//
// Exit status is 1 on failure and 2 when the bus could not be reached, so
// supervisors can tell a broken deployment from a bad invocation.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/vinayprograms/plasma/errors"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "plasma:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.IsFatal(err) {
		return 2
	}
	return 1
}
