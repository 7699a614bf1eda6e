package main

import (
	"github.com/mitchellh/cli"

	cmdController "github.com/edgeflow/controller/subcommand/controller"
)

// Commands returns the mapping of every subcommand this binary exposes.
func Commands(ui cli.Ui) map[string]cli.CommandFactory {
	return map[string]cli.CommandFactory{
		"controller": func() (cli.Command, error) {
			return &cmdController.Command{UI: ui}, nil
		},
	}
}
