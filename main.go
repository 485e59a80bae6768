package main

import "github.com/pocketcloud/pocketcloud/cmd"

func main() {
	cmd.Execute()
}
