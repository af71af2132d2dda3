package main

import "github.com/oshokin/app-updater/cmd/app-updater/cmd"

func main() {
	cmd.Execute()
}
