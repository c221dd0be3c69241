package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"governance-backend/storage"
)

var exportPath string

func init() {
	exportCmd.Flags().StringVarP(&exportPath, "out", "o", "governance_snapshot.json", "Output file")
	rootCmd.AddCommand(exportCmd)
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every ledger record to a JSON file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()

		snap, err := n.engine.Snapshot(cmd.Context())
		if err != nil {
			return err
		}
		if err := storage.WriteJSONAtomic(exportPath, snap); err != nil {
			return err
		}
		fmt.Printf("exported %d projects and %d ballots to %s\n", len(snap.Projects), len(snap.Ballots), exportPath)
		return nil
	},
}
