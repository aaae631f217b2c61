package main

import "github.com/tanq16/lmfetch/cmd"

func main() {
	cmd.Execute()
}
