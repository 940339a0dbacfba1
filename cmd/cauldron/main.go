package main

import "github.com/seantiz/cauldron/internal/cli"

func main() {
	cli.Execute()
}
