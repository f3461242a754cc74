// The main package for the bonanza executable.
package main

import "github.com/JakeFAU/bonanza/cmd"

func main() {
	cmd.Execute()
}
