package main

import "github.com/nextlevelbuilder/mesabot/cmd"

func main() {
	cmd.Execute()
}
