package main

import "github.com/agrinet/greenhouse-core/services/controld/cli"

func main() {
	cli.Execute()
}
