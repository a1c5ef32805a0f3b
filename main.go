// The main package for the restock-tracker executable.
package main

import (
	"github.com/JakeFAU/restock-tracker/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
