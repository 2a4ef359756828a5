// Command procrun runs a configured test plan, one subprocess per test.
package main

import (
	"fmt"
	"os"

	"github.com/jpequegn/procrun/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
