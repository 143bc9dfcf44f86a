package main

import (
	"deployq/internal/image"
	"deployq/internal/provenance"
	"deployq/pkg/utils"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func ledgerCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and verify the provenance ledger",
	}

	open := func() (*provenance.Ledger, error) {
		return provenance.OpenLedger(opts.cfg.LedgerFile)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "List every record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ledger, err := open()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tTIME\tRUN\tSTAGE\tSTATUS\tCOMMIT\tIMAGE\tHASH")
			for _, r := range ledger.Records() {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Index, r.Timestamp, utils.ShortHash(r.RunID, 8), r.Stage, r.Status,
					utils.ShortHash(r.Commit, 12), r.Image, utils.ShortHash(r.Hash, 16))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check hashes, links and signatures of every record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ledger, err := open()
			if err != nil {
				return err
			}
			if err := ledger.VerifyChain(); err != nil {
				return fmt.Errorf("ledger verification failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ledger verification ok (%d records)\n", ledger.Len())
			if head := ledger.LastHash(); head != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "head %s\n", head)
			}
			return nil
		},
	})

	var imageFilter string
	deployments := &cobra.Command{
		Use:   "deployments",
		Short: "List successfully deployed images, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ledger, err := open()
			if err != nil {
				return err
			}
			records := ledger.Deployments()
			if imageFilter != "" {
				ref, err := image.ParseRef(imageFilter)
				if err != nil {
					return err
				}
				records = ledger.DeploymentsOf(ref)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tCOMMIT\tIMAGE\tDIGEST")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					r.Timestamp, utils.ShortHash(r.Commit, 12), r.Image, r.Digest)
			}
			return tw.Flush()
		},
	}
	deployments.Flags().StringVar(&imageFilter, "image", "", "only deployments of this repository, or repository:tag")
	cmd.AddCommand(deployments)
	return cmd
}
