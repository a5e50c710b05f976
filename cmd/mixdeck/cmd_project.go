/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/friendsincode/mixdeck/internal/db"
	"github.com/friendsincode/mixdeck/internal/project"
)

var projectOutput string

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Move projects between YAML files and the project store",
	Long: `Manage stored projects. The store is selected with MIXDECK_DB_BACKEND and
MIXDECK_DB_DSN, the same settings the server uses.

Examples:
  mixdeck project import song.yaml
  mixdeck project export 3f0c... -o song.yaml
  mixdeck project list
`,
}

var projectImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Store a project file as a new project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectImport,
}

var projectExportCmd = &cobra.Command{
	Use:   "export <project-id>",
	Short: "Write a stored project as YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectExport,
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored projects",
	Args:  cobra.NoArgs,
	RunE:  runProjectList,
}

func init() {
	projectExportCmd.Flags().StringVarP(&projectOutput, "output", "o", "", "Output file (default stdout)")
	projectCmd.AddCommand(projectImportCmd, projectExportCmd, projectListCmd)
	rootCmd.AddCommand(projectCmd)
}

// openProjects connects to the configured store. The caller closes the returned func.
func openProjects() (*project.Service, func(), error) {
	if err := loadConfig(); err != nil {
		return nil, nil, err
	}
	if !cfg.DatabaseEnabled() {
		return nil, nil, errors.New("MIXDECK_DB_DSN is not set")
	}

	database, err := db.Connect(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.Migrate(database); err != nil {
		_ = db.Close(database)
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	closeFn := func() {
		if err := db.Close(database); err != nil {
			logger.Warn().Err(err).Msg("close database")
		}
	}
	return project.NewService(database, logger), closeFn, nil
}

func runProjectImport(cmd *cobra.Command, args []string) error {
	p, err := project.LoadFile(args[0])
	if err != nil {
		return err
	}
	// clip ids are unique across the store, so imports always get fresh ones
	for i := range p.Tracks {
		p.Tracks[i].ID = ""
	}

	svc, closeFn, err := openProjects()
	if err != nil {
		return err
	}
	defer closeFn()

	created, err := svc.Create(cmd.Context(), p)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), created.ID)
	return nil
}

func runProjectExport(cmd *cobra.Command, args []string) error {
	svc, closeFn, err := openProjects()
	if err != nil {
		return err
	}
	defer closeFn()

	p, err := svc.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if projectOutput != "" {
		return project.SaveFile(projectOutput, p)
	}
	return project.Encode(cmd.OutOrStdout(), p)
}

func runProjectList(cmd *cobra.Command, args []string) error {
	svc, closeFn, err := openProjects()
	if err != nil {
		return err
	}
	defer closeFn()

	list, err := svc.List(cmd.Context())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tBPM\tTRACKS\tUPDATED")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", s.ID, s.Name, s.BPM, s.TrackCount, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

