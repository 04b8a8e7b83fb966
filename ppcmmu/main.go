// Command ppcmmu translates guest addresses and serves the translation
// monitor.
package main

import "github.com/sarchlab/ppcmmu/ppcmmu/cmd"

func main() {
	cmd.Execute()
}
