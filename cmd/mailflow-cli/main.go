package main

import "github.com/mailflowd/mailflow/cmd/mailflow-cli/commands"

func main() {
	commands.Execute()
}
