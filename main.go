package main

import (
	"log"
	"os"

	"github.com/mitchellh/cli"
)

// version is stamped at build time via -ldflags; it has no dedicated
// package since the controller ships as a single binary with a single
// subcommand.
var version = "dev"

func main() {
	ui := &cli.BasicUi{Writer: os.Stdout, ErrorWriter: os.Stderr}
	c := cli.NewCLI("edge-controller", version)
	c.Args = os.Args[1:]
	c.Commands = Commands(ui)

	exitStatus, err := c.Run()
	if err != nil {
		log.Println(err)
	}
	os.Exit(exitStatus)
}
