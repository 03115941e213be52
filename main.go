// The main package for the csp-crawler executable.
package main

import (
	"github.com/mostlyserious/csp-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
