package main

import "rehoboam/internal/cli"

func main() {
	cli.Execute()
}
