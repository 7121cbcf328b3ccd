package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the annotator version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("annotator %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
