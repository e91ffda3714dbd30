package main

import (
	"github.com/mchmarny/mlstep/pkg/cli"
)

func main() {
	cli.ExecutePrep()
}
