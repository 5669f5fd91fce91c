package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ilclang/ilc"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	cachedColor  = color.New(color.FgYellow)
)

var buildCmd = &cobra.Command{
	Use:   "build [flags] image",
	Short: "Compile a metadata image into an LLVM IR module",
	Long: "Compile a CIL metadata image into a textual LLVM IR module, " +
		"ready for llc or clang.",
	Args: cobra.ExactArgs(1),
	RunE: buildExecution,
}

func init() {
	buildCmd.Flags().StringP("output", "o", "", "output path (default: input name with .ll extension)")
	buildCmd.Flags().Bool("verify", true, "run the module self check before writing")
	buildCmd.Flags().Int("workers", 0, "translation workers (default: one per CPU)")
	buildCmd.Flags().String("cache-dir", "", "emit cache directory")
	buildCmd.Flags().String("config", "", "path to an ilc.toml file")
	buildCmd.Flags().String("entry", "", "entry point as Type::Method")
	buildCmd.Flags().StringSlice("extra-types", nil, "additional type names to compile")
}

func buildExecution(cmd *cobra.Command, args []string) error {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return err
	}

	input := args[0]
	image, err := os.ReadFile(input)
	if err != nil {
		return err
	}

	res, err := ilc.CompileModule(cmd.Context(), image, cfg)
	if err != nil {
		return err
	}

	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	if output == "" {
		output = strings.TrimSuffix(input, filepath.Ext(input)) + ".ll"
	}
	if err := os.WriteFile(output, res.IR, 0o644); err != nil {
		return err
	}

	successColor.Fprintf(cmd.OutOrStdout(), "compiled %s", res.Name)
	fmt.Fprintf(cmd.OutOrStdout(), ": %d methods -> %s", res.Methods, output)
	if res.Cached {
		cachedColor.Fprint(cmd.OutOrStdout(), " (cached)")
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

// configFromFlags builds the compilation config: defaults, then the config
// file, then explicit flags on top.
func configFromFlags(cmd *cobra.Command) (*ilc.Config, error) {
	cfg := ilc.NewConfig()

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if cfg, err = cfg.WithFile(configPath); err != nil {
			return nil, err
		}
	}

	if cmd.Flags().Changed("verify") {
		verify, err := cmd.Flags().GetBool("verify")
		if err != nil {
			return nil, err
		}
		cfg = cfg.WithVerify(verify)
	}
	if workers, err := cmd.Flags().GetInt("workers"); err != nil {
		return nil, err
	} else if workers > 0 {
		cfg = cfg.WithWorkers(workers)
	}
	if cacheDir, err := cmd.Flags().GetString("cache-dir"); err != nil {
		return nil, err
	} else if cacheDir != "" {
		cfg = cfg.WithCacheDir(cacheDir)
	}
	if entry, err := cmd.Flags().GetString("entry"); err != nil {
		return nil, err
	} else if entry != "" {
		typeName, methodName, ok := strings.Cut(entry, "::")
		if !ok || typeName == "" || methodName == "" {
			return nil, fmt.Errorf("--entry %q is not of the form Type::Method", entry)
		}
		cfg = cfg.WithEntryPoint(typeName, methodName)
	}
	if extra, err := cmd.Flags().GetStringSlice("extra-types"); err != nil {
		return nil, err
	} else if len(extra) > 0 {
		cfg = cfg.WithExtraTypes(extra...)
	}
	return cfg, nil
}
