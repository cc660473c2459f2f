package main

import "github.com/nextlevelbuilder/praybot/cmd"

func main() {
	cmd.Execute()
}
