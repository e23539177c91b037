package main

import "github.com/anireap/anireap/cmd"

func main() {
	cmd.Execute()
}
