package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-influence/fixture"
	"github.com/wippyai/wasm-influence/image"
)

var identityCmd = &cobra.Command{
	Use:   "identity <image.wasm>...",
	Short: "Print the identity of module images",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, path := range args {
			m, err := readImage(path)
			if err != nil {
				return err
			}
			id, ok := m.Identity()
			if !ok {
				fmt.Fprintf(out, "%s\t%s\n", path, render(errorStyle, "(no identity)"))
				continue
			}
			fmt.Fprintf(out, "%s\t%s\n", path, render(typeStyle, id.String()))
		}
		return nil
	},
}

var typesCmd = &cobra.Command{
	Use:   "types <image.wasm>",
	Short: "List the types declared by a module image and their members",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := readImage(args[0])
		if err != nil {
			return err
		}
		printTypes(cmd.OutOrStdout(), m)
		return nil
	},
}

func printTypes(out io.Writer, m *image.Module) {
	for _, t := range m.TypeInfos() {
		fmt.Fprintln(out, render(typeStyle, t.Name))
		first, hasCtor := t.Constructor()
		for _, mem := range t.Members {
			mark := "  "
			if hasCtor && mem.FuncIdx == first.FuncIdx {
				mark = "* "
			}
			sig := ""
			if ft, ok := m.FuncType(mem.FuncIdx); ok {
				sig = ft.String()
			}
			where := fmt.Sprintf("func %d", mem.FuncIdx)
			if mem.Imported {
				where += " (imported)"
			}
			fmt.Fprintf(out, "  %s%s %-20s %s\n", mark, render(memberStyle, fmt.Sprintf("%-16s", mem.Name)), where, sig)
		}
	}
}

var (
	patchModule      string
	patchInstantiate int
)

var patchCmd = &cobra.Command{
	Use:   "patch <Type>",
	Short: "Make the constructor of a type call the probe routine",
	Long: `patch writes a patched copy of the module declaring Type to the scratch
directory. The first declared constructor of Type then calls the CLI's
probe routine before anything else. With --instantiate, the type is
instantiated from the patched copy and the probe count is reported.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cmd.Root().PersistentFlags(), nil)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		ref, err := a.findType(args[0], patchModule)
		if err != nil {
			return err
		}
		res, err := a.env.Patch(ctx, ref, a.probe, probeMethod)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", render(titleStyle, "patched"), render(typeStyle, ref.Name))
		fmt.Fprintf(out, "  constructor  %s\n", res.Constructor)
		fmt.Fprintf(out, "  import       %d (reused: %v)\n", res.ImportIndex, res.ImportReused)
		fmt.Fprintf(out, "  source       %s\n", res.Source)
		fmt.Fprintf(out, "  output       %s\n", render(resultStyle, res.Output))

		if patchInstantiate > 0 {
			if err := instantiateN(ctx, a, ref, patchInstantiate); err != nil {
				return err
			}
			fmt.Fprintf(out, "  probe count  %s\n", render(resultStyle, fmt.Sprint(a.probe.Count())))
		}
		return nil
	},
}

func instantiateN(ctx context.Context, a *app, ref image.TypeRef, n int) error {
	for i := 0; i < n; i++ {
		obj, err := a.env.Instantiate(ctx, ref)
		if err != nil {
			return err
		}
		if err := obj.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}

var registryPatches []string

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Show catalogued modules and the substitutes a set of patches produces",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cmd.Root().PersistentFlags(), nil)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		for _, typeName := range registryPatches {
			ref, err := a.findType(typeName, "")
			if err != nil {
				return err
			}
			if _, err := a.env.Patch(ctx, ref, a.probe, probeMethod); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, render(titleStyle, "catalog"))
		for _, e := range a.env.Catalog().Entries() {
			fmt.Fprintf(out, "  %s\n    %s\n", render(typeStyle, e.Identity), e.Path)
		}
		fmt.Fprintln(out, render(titleStyle, "registry"))
		entries := a.env.Registry().Entries()
		if len(entries) == 0 {
			fmt.Fprintln(out, render(helpStyle, "  (empty)"))
		}
		for _, e := range entries {
			fmt.Fprintf(out, "  %s\n    %s\n", render(typeStyle, e.Identity), render(resultStyle, e.Path))
		}
		return nil
	},
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the patch and instantiate walkthrough on the built-in sample modules",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dir, err := os.MkdirTemp("", "influence-demo-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		if _, err := fixture.WriteImages(dir); err != nil {
			return err
		}

		a, err := newApp(ctx, cmd.Root().PersistentFlags(), []string{dir})
		if err != nil {
			return err
		}
		defer a.close(ctx)
		return runDemo(ctx, cmd.OutOrStdout(), a)
	},
}

func runDemo(ctx context.Context, out io.Writer, a *app) error {
	lib := fixture.LibraryToBeModified{}.TypeRef()
	user := fixture.UserOfTheLibrary{}.TypeRef()

	step := func(name string, fn func() error) error {
		before := a.probe.Count()
		if err := fn(); err != nil {
			fmt.Fprintf(out, "%-44s %s\n", name, render(errorStyle, err.Error()))
			return err
		}
		fmt.Fprintf(out, "%-44s probe +%d = %s\n", name, a.probe.Count()-before,
			render(resultStyle, fmt.Sprint(a.probe.Count())))
		return nil
	}
	instantiate := func(ref image.TypeRef) func() error {
		return func() error { return instantiateN(ctx, a, ref, 1) }
	}
	construct := func(ref image.TypeRef) func() error {
		return func() error {
			_, err := a.env.Construct(ctx, ref)
			return err
		}
	}

	fmt.Fprintln(out, render(titleStyle, "influence demo"))
	steps := []struct {
		name string
		fn   func() error
	}{
		{"construct " + lib.SimpleName() + " (ambient)", construct(lib)},
		{"patch " + lib.SimpleName(), func() error {
			res, err := a.env.Patch(ctx, lib, a.probe, probeMethod)
			if err == nil {
				fmt.Fprintf(out, "  wrote %s\n", filepath.Base(res.Output))
			}
			return err
		}},
		{"instantiate " + lib.SimpleName(), instantiate(lib)},
		{"instantiate " + lib.SimpleName() + " again", instantiate(lib)},
		{"instantiate " + user.SimpleName(), instantiate(user)},
		{"construct " + user.SimpleName() + " (ambient)", construct(user)},
		{"clear registry", func() error { a.env.Clear(); return nil }},
		{"instantiate " + lib.SimpleName() + " after clear", instantiate(lib)},
	}
	for _, s := range steps {
		if err := step(s.name, s.fn); err != nil {
			return err
		}
	}
	fmt.Fprintln(out, render(helpStyle, strings.Repeat("-", 44)))
	fmt.Fprintf(out, "expected probe count 4, got %d\n", a.probe.Count())
	return nil
}

func init() {
	patchCmd.Flags().StringVar(&patchModule, "module", "", "identity of the declaring module (default: search the catalog)")
	patchCmd.Flags().IntVar(&patchInstantiate, "instantiate", 0, "instantiate the patched type this many times")
	registryCmd.Flags().StringSliceVar(&registryPatches, "patch", nil, "type to patch before listing (repeatable)")
}
