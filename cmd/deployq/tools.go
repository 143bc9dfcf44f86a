package main

import (
	"deployq/internal/core"
	"deployq/internal/recipe"
	"deployq/internal/security"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func validateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a pipeline definition",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.cfg.PipelineFile
			if len(args) == 1 {
				path = args[0]
			}
			p, err := core.LoadPipeline(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: pipeline %q is valid\n", path, p.Name)
			for i, s := range p.Stages {
				needs := ""
				if len(s.Needs) > 0 {
					needs = " (needs " + strings.Join(s.Needs, ", ") + ")"
				}
				fmt.Fprintf(out, "  %d. %s [%s]%s\n", i+1, s.Name, s.Kind(), needs)
			}
			return nil
		},
	}
}

func dockerfileCmd(opts *options) *cobra.Command {
	var (
		stage  string
		output string
	)
	cmd := &cobra.Command{
		Use:   "dockerfile",
		Short: "Render the two-stage container recipe",
		Long: `Render the Dockerfile for the job-autoapply service.

With --stage the recipe of that image stage is rendered, otherwise the
built-in default.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := recipe.Default()
			if stage != "" {
				p, err := core.LoadPipeline(opts.cfg.PipelineFile)
				if err != nil {
					return err
				}
				s, _, ok := p.Stage(stage)
				if !ok || s.Image == nil {
					return fmt.Errorf("no image stage %q in %s", stage, opts.cfg.PipelineFile)
				}
				if s.Image.Recipe == nil {
					return fmt.Errorf("stage %q builds %s, it has no recipe", stage, s.Image.Dockerfile)
				}
				r = *s.Image.Recipe
			}

			content, err := recipe.Render(r)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(content)
				return err
			}
			return os.WriteFile(output, content, 0o644)
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "image stage whose recipe to render")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func keygenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create the ledger signing key pair if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, generated, err := security.EnsureKeyPair(opts.cfg.KeyDir)
			if err != nil {
				return err
			}
			state := "existing"
			if generated {
				state = "generated"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s key pair in %s\npublic key: %s\n", state, opts.cfg.KeyDir, hex.EncodeToString(keys.Public))
			return nil
		},
	}
}
