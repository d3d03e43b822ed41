// ./main.go
package main

import (
	"github.com/xkilldash9x/lancet/cmd"
)

// main is the entry point for the lancet CLI. All command-line parsing,
// configuration and execution happens in the cmd package.
func main() {
	cmd.Execute()
}
