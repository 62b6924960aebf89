package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/entdb/entdb/pkg/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Validate and evolve schema definitions",
}

var schemaValidateCmd = &cobra.Command{
	Use:   "validate <schema-file>",
	Short: "Validate a schema file and print its fingerprint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := schema.LoadFile(args[0])
		if err != nil {
			return err
		}
		if problems := reg.ValidateAll(); len(problems) > 0 {
			for _, p := range problems {
				fmt.Println("  " + p)
			}
			return fmt.Errorf("schema has %d problem(s)", len(problems))
		}
		fp, err := schema.ComputeFingerprint(reg)
		if err != nil {
			return err
		}
		fmt.Printf("Schema OK\nFingerprint: %s\n", fp)
		return nil
	},
}

var schemaSnapshotCmd = &cobra.Command{
	Use:   "snapshot <schema-file>",
	Short: "Write a schema snapshot for later compatibility checks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		reg, err := schema.LoadFile(args[0])
		if err != nil {
			return err
		}
		snap, err := schema.WriteSnapshot(out, reg)
		if err != nil {
			return err
		}
		fmt.Printf("Snapshot written to %s\nFingerprint: %s\n", out, snap.Fingerprint)
		return nil
	},
}

var schemaCheckCmd = &cobra.Command{
	Use:   "check <schema-file>",
	Short: "Check a schema against a baseline snapshot for breaking changes",
	Long: `Compare a candidate schema file against the snapshot of the deployed
schema. Additions and deprecations pass; removals, kind changes, and
id reuse fail. Intended as a CI gate before deploy.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseline, _ := cmd.Flags().GetString("baseline")

		snap, err := schema.ReadSnapshot(baseline)
		if err != nil {
			return err
		}
		oldReg, err := snap.Registry()
		if err != nil {
			return err
		}
		newReg, err := schema.LoadFile(args[0])
		if err != nil {
			return err
		}

		changes := schema.Check(oldReg, newReg)
		if len(changes) == 0 {
			fmt.Println("No schema changes")
			return nil
		}
		for _, c := range changes {
			fmt.Println(c.String())
		}
		if err := schema.ValidateBreaking(changes); err != nil {
			return fmt.Errorf("%d change(s), breaking changes present", len(changes))
		}
		fmt.Printf("%d change(s), none breaking\n", len(changes))
		return nil
	},
}

var schemaDiffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Diff two schema files",
	RunE: func(cmd *cobra.Command, args []string) error {
		oldPath, _ := cmd.Flags().GetString("old")
		newPath, _ := cmd.Flags().GetString("new")
		format, _ := cmd.Flags().GetString("format")

		oldReg, err := schema.LoadFile(oldPath)
		if err != nil {
			return err
		}
		newReg, err := schema.LoadFile(newPath)
		if err != nil {
			return err
		}

		changes := schema.Check(oldReg, newReg)
		switch format {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(changes); err != nil {
				return err
			}
		default:
			if len(changes) == 0 {
				fmt.Println("No schema changes")
			}
			for _, c := range changes {
				fmt.Println(c.String())
			}
		}
		return schema.ValidateBreaking(changes)
	},
}

func init() {
	schemaSnapshotCmd.Flags().String("out", "schema.snapshot.json", "Output path for the snapshot")
	schemaCheckCmd.Flags().String("baseline", "schema.snapshot.json", "Baseline snapshot to compare against")
	_ = schemaCheckCmd.MarkFlagRequired("baseline")
	schemaDiffCmd.Flags().String("old", "", "Baseline schema file")
	schemaDiffCmd.Flags().String("new", "", "Candidate schema file")
	schemaDiffCmd.Flags().String("format", "text", "Output format: text or json")
	_ = schemaDiffCmd.MarkFlagRequired("old")
	_ = schemaDiffCmd.MarkFlagRequired("new")

	schemaCmd.AddCommand(schemaValidateCmd)
	schemaCmd.AddCommand(schemaSnapshotCmd)
	schemaCmd.AddCommand(schemaCheckCmd)
	schemaCmd.AddCommand(schemaDiffCmd)
}
