package main

import "github.com/ppiankov/ward/internal/cli"

func main() {
	cli.Execute()
}
