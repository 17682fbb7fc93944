package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"localci/internal/journal"
	"localci/internal/runner"
	"localci/internal/security"
)

func newJournalCmd() *cobra.Command {
	var stateDir string
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect and verify the journal of job outcomes",
	}
	cmd.PersistentFlags().StringVar(&stateDir, "state-dir", ".localci-local", "state directory holding journal.jsonl")

	open := func() (*journal.Journal, error) {
		return journal.Open(runner.JournalPath(stateDir), nil)
	}

	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Print one line per journal entry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, err := open()
			if err != nil {
				return err
			}
			for _, e := range j.Entries() {
				signed := "unsigned"
				if e.Signature != "" {
					signed = "signed"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "#%d iid=%d %s %s %s %s exit=%d attempts=%d hash=%s %s\n",
					e.Index, e.PipelineIID, e.Timestamp, e.Stage, e.Job, e.Status, e.ExitCode, e.Attempts, short(e.Hash), signed)
			}
			return nil
		},
	}

	var skipLogs bool
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check hashes, links, signatures and log files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, err := open()
			if err != nil {
				return err
			}
			if err := j.Verify(!skipLogs); err != nil {
				return fmt.Errorf("journal verification failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "journal verification OK (%d entries)\n", len(j.Entries()))
			return nil
		},
	}
	verify.Flags().BoolVar(&skipLogs, "skip-logs", false, "do not re-hash job log files")

	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Create the ed25519 key pair used to sign new entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kp, err := security.GenerateKeyPair()
			if err != nil {
				return err
			}
			dir := filepath.Join(stateDir, "keys")
			if err := kp.Save(dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "public key %s written to %s\n", kp.PublicHex(), dir)
			return nil
		},
	}

	cmd.AddCommand(inspect, verify, keygen)
	return cmd
}

func short(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
