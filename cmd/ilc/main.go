// Package main implements the ilc CLI.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ilclang/ilc/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "ilc",
	Short: "Ahead-of-time CIL to LLVM IR compiler",
	Long:  "ilc translates managed CIL metadata images into LLVM IR modules for a native toolchain.",
}

func main() {
	rootCmd.Version = version.GetVersionInfo()
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(dumpCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
