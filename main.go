package main

import "github.com/jmehdipour/incident-relay/cmd"

func main() {
	cmd.Execute()
}
