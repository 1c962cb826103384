package main

import "github.com/tanq16/gsmota/cmd"

func main() {
	cmd.Execute()
}
