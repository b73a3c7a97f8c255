package main

import "github.com/syncwell/graphsync/cmd"

func main() {
	cmd.Execute()
}
