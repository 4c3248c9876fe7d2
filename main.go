// The main package for the rankhub executable.
package main

import "github.com/JakeFAU/rankhub/cmd"

func main() {
	cmd.Execute()
}
