package main

import "sitesync/cmd/client/cmd"

func main() {
	cmd.Execute()
}
