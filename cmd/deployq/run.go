package main

import (
	"deployq/internal/app"
	"deployq/internal/checkout"
	"deployq/internal/core"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func runCmd(opts *options) *cobra.Command {
	var (
		branch  string
		commit  string
		repo    string
		dir     string
		force   bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once for a branch and commit",
		Long: `Run every stage of the pipeline in order.

Without --repo the stages run against the working copy in --dir. With --repo
each stage gets a fresh clone of the given commit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := opts.cfg
			if timeout > 0 {
				cfg.StepTimeout = timeout
			}
			if cfg.StepTimeout <= 0 {
				cfg.StepTimeout = 30 * time.Minute
			}

			var ws core.Workspace = checkout.Local{Dir: dir}
			if repo != "" {
				ws = &checkout.Git{URL: repo, BaseDir: cfg.WorkDir}
			} else if commit == "" {
				if head, err := checkout.Head(dir); err == nil {
					commit = head
				}
			}

			c, err := app.Build(ctx, cfg, ws)
			if err != nil {
				return err
			}
			if !c.Pipeline.Trigger.Matches(branch) && !force {
				fmt.Fprintf(cmd.OutOrStdout(), "branch %s does not trigger %s (use --force to run anyway)\n", branch, c.Pipeline.Name)
				return nil
			}

			run, runErr := c.Runner.RunPipeline(ctx, c.Pipeline, core.Event{
				Branch:     branch,
				Commit:     commit,
				Repository: repo,
				Source:     "cli",
			})
			printRun(cmd.OutOrStdout(), run.Snapshot())
			if runErr != nil {
				log.Ctx(ctx).Error().Msgf("Run %s failed", run.ID())
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&branch, "branch", "main", "branch the commit belongs to")
	cmd.Flags().StringVar(&commit, "commit", "", "commit to build, HEAD of --dir when empty")
	cmd.Flags().StringVar(&repo, "repo", opts.cfg.RepositoryURL, "clone URL; stages use --dir when empty")
	cmd.Flags().StringVar(&dir, "dir", ".", "working copy used without --repo")
	cmd.Flags().BoolVar(&force, "force", false, "run even if the branch does not match the trigger")
	cmd.Flags().DurationVar(&timeout, "step-timeout", 0, "timeout for steps without their own")
	return cmd
}

func printRun(w io.Writer, s core.RunStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "RUN %s\t%s\n", s.ID, s.Status)
	fmt.Fprintln(tw, "STAGE\tKIND\tSTATUS\tDURATION\tDETAIL")
	for _, st := range s.Stages {
		detail := st.Image
		switch {
		case st.Error != "":
			detail = st.Error
		case st.Reason != "":
			detail = st.Reason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", st.Name, st.Kind, st.Status, st.Duration.Round(time.Millisecond), detail)
	}
	tw.Flush()
}
