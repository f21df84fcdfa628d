package main

import "catrec/internal/cli"

func main() {
	cli.Execute()
}
