// The main package for the crawlqueue executable.
package main

import (
	"github.com/JakeFAU/crawlqueue/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
