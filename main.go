package main

import "github.com/endorses/sipscope/cmd"

func main() {
	cmd.Execute()
}
