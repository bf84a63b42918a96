package main

import "github.com/snapcal-tech/snapcal/cmd/snapcal/cmd"

func main() {
	cmd.Execute()
}
