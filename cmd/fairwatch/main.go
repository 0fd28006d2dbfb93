package main

import "fairwatch/internal/cli"

func main() {
	cli.Execute()
}
