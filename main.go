package main

import "mesh-forge/cmd"

func main() {
	cmd.Execute()
}
