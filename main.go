package main

import "github.com/tableforge/arbiter/cmd"

func main() {
	cmd.Execute()
}
