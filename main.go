package main

import "github.com/cconlon/tlstap/cmd"

func main() {
	cmd.Execute()
}
