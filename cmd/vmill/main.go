package main

import "github.com/isabella232/vmill/cmd/vmill/cmd"

func main() {
	cmd.Execute()
}
