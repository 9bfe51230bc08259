package main

import "github.com/felixgeelhaar/specdesk/cmd/specdesk/cli"

func main() {
	cli.Execute()
}
