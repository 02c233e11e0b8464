package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/leadsync/internal/daemon"
	"github.com/matheus3301/leadsync/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	debugFlag := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profileName, Debug: *debugFlag}),
	)

	app.Run()
}
