package main

import (
	"fmt"
	"os"

	"github.com/tphakala/faceid/cmd"
	"github.com/tphakala/faceid/internal/conf"
)

func main() {
	settings := &conf.Settings{}
	rootCmd := cmd.RootCommand(settings)

	err := rootCmd.Execute()
	cmd.Shutdown()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
