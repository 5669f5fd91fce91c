package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ilclang/ilc/internal/metadata"
)

var headingColor = color.New(color.FgCyan, color.Bold)

var dumpCmd = &cobra.Command{
	Use:   "dump [flags] image",
	Short: "Print the metadata contents of an image",
	Long:  "Print table row counts, heap sizes and the declared types and methods of a CIL metadata image.",
	Args:  cobra.ExactArgs(1),
	RunE:  dumpExecution,
}

func init() {
	dumpCmd.Flags().Bool("types", true, "list declared types and their methods")
}

func dumpExecution(cmd *cobra.Command, args []string) error {
	image, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	reader, err := metadata.NewReader(image)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	mod, err := reader.Module()
	if err != nil {
		return err
	}
	name, err := mod.Name()
	if err != nil {
		return err
	}
	headingColor.Fprintln(out, "module")
	fmt.Fprintf(out, "  name     %s\n", name)
	if mvid, err := mod.Mvid(); err == nil {
		fmt.Fprintf(out, "  mvid     %s\n", mvid)
	}
	if v := reader.Image().Version(); v != "" {
		fmt.Fprintf(out, "  version  %s\n", v)
	}

	headingColor.Fprintln(out, "streams")
	for _, stream := range []string{"#~", "#Strings", "#US", "#Blob", "#GUID", "#IL"} {
		if size := reader.Image().StreamSize(stream); size > 0 {
			fmt.Fprintf(out, "  %-9s %d bytes\n", stream, size)
		}
	}

	headingColor.Fprintln(out, "tables")
	for kind := metadata.TableKind(0); kind <= metadata.TableGenericParamConstraint; kind++ {
		if n := reader.RowCount(kind); n > 0 {
			fmt.Fprintf(out, "  %-24s %d\n", kind, n)
		}
	}

	if listTypes, err := cmd.Flags().GetBool("types"); err != nil {
		return err
	} else if listTypes {
		if err := dumpTypes(out, reader); err != nil {
			return err
		}
	}
	return nil
}

func dumpTypes(out io.Writer, reader *metadata.Reader) error {
	n := reader.RowCount(metadata.TableTypeDef)
	if n == 0 {
		return nil
	}
	headingColor.Fprintln(out, "types")
	for row := uint32(1); row <= n; row++ {
		td, err := reader.TypeDef(metadata.RowHandle(metadata.TableTypeDef, row))
		if err != nil {
			return err
		}
		name, err := td.FullName()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %s\n", name)
		methods, err := td.Methods()
		if err != nil {
			return err
		}
		for _, mh := range methods {
			md, err := reader.MethodDef(mh)
			if err != nil {
				return err
			}
			mname, err := md.Name()
			if err != nil {
				return err
			}
			rva, err := md.RVA()
			if err != nil {
				return err
			}
			body := "extern"
			if rva != 0 {
				body = fmt.Sprintf("body @%#x", rva)
			}
			fmt.Fprintf(out, "    %-20s %s\n", mname, body)
		}
	}
	return nil
}
