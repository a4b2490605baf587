package main

import (
	"deal-radar/internal/cli"
)

func main() {
	cli.Execute()
}
