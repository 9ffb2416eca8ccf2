package main

import "github.com/arrgate/arrgate/cmd/arrgate/cmd"

func main() {
	cmd.Execute()
}
