package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"verifiedid-verifier/pkg/buildrecipe"
	"verifiedid-verifier/pkg/domain/errors"
)

func recipeByName(name string) (*buildrecipe.Recipe, error) {
	switch name {
	case "python", "":
		return buildrecipe.DefaultRecipe(), nil
	case "go":
		return buildrecipe.GoRecipe(), nil
	default:
		return nil, errors.New(errors.CodeInvalidParameter, "cli", fmt.Sprintf("unknown recipe %q (want python or go)", name), nil)
	}
}

func newDockerfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dockerfile",
		Short: "Render and check the container build recipe",
	}

	cmd.AddCommand(newDockerfileRenderCmd())
	cmd.AddCommand(newDockerfileValidateCmd())
	cmd.AddCommand(newDockerfileContextCmd())
	return cmd
}

func newDockerfileRenderCmd() *cobra.Command {
	var recipeName, output string

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Write the Dockerfile for a recipe",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recipe, err := recipeByName(recipeName)
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				return recipe.Render(cmd.OutOrStdout())
			}

			f, err := os.Create(output)
			if err != nil {
				return errors.New(errors.CodeIoError, "cli", fmt.Sprintf("failed to create %s", output), err)
			}
			if err := recipe.Render(f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}

	cmd.Flags().StringVar(&recipeName, "recipe", "python", "Recipe to render (python, go)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (stdout when empty)")
	return cmd
}

func newDockerfileValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [Dockerfile]",
		Short: "Parse a Dockerfile and check it against the recipe rules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "Dockerfile"
			if len(args) == 1 {
				path = args[0]
			}

			var in io.Reader
			if path == "-" {
				in = cmd.InOrStdin()
			} else {
				f, err := os.Open(path)
				if err != nil {
					return errors.New(errors.CodeFileNotFound, "cli", fmt.Sprintf("failed to open %s", path), err)
				}
				defer f.Close()
				in = f
			}

			recipe, err := buildrecipe.Parse(in)
			if err != nil {
				return err
			}
			if err := recipe.Validate(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (base %s, port %d)\n", path, recipe.Base, recipe.Expose)
			return nil
		},
	}
}

func newDockerfileContextCmd() *cobra.Command {
	var recipeName, ignoreFile string
	var check bool

	cmd := &cobra.Command{
		Use:   "context [dir]",
		Short: "List the files a build would send and check the recipe's inputs are present",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}

			files, err := buildrecipe.ContextFiles(root, ignoreFile)
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}

			if !check {
				return nil
			}
			recipe, err := recipeByName(recipeName)
			if err != nil {
				return err
			}
			return buildrecipe.CheckFiles(files, recipe)
		},
	}

	cmd.Flags().StringVar(&recipeName, "recipe", "python", "Recipe whose inputs are checked (python, go)")
	cmd.Flags().StringVar(&ignoreFile, "ignore-file", buildrecipe.DefaultIgnoreFile, "Ignore file, relative to dir")
	cmd.Flags().BoolVar(&check, "check", true, "Fail when the recipe's manifest or entrypoint module is missing")
	return cmd
}
