package main

import "github.com/pilotlynx/pilotlynx/cmd"

func main() {
	cmd.Execute()
}
