// The main package for the adsearch executable.
package main

import (
	"github.com/JakeFAU/adlibrary-insight/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
