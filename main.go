// The main package for the corpusjobs executable.
package main

import (
	"github.com/JakeFAU/corpus-jobs/cmd"
)

func main() {
	cmd.Execute()
}
