package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/config"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/database"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/sequence"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newSequenceCommand() *cobra.Command {
	sequenceCmd := &cobra.Command{
		Use:   "sequence",
		Short: "Inspect or provision the image identifier counter",
	}

	var start int64
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the identifier counter if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(func(db *gorm.DB, logger *zap.Logger) error {
				created, err := sequence.Provision(cmd.Context(), db, start)
				if err != nil {
					return err
				}
				if !created {
					fmt.Fprintln(cmd.OutOrStdout(), "sequence counter already exists; left unchanged")
					return nil
				}
				logger.Info("sequence counter provisioned", zap.Int64("start", start))
				fmt.Fprintf(cmd.OutOrStdout(), "sequence counter created at %d\n", start)
				return nil
			})
		},
	}
	initCmd.Flags().Int64Var(&start, "start", 0, "Last issued identifier; the next image receives start+1")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the last issued identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(func(db *gorm.DB, _ *zap.Logger) error {
				store, err := sequence.NewGormCounterStore(db, nil)
				if err != nil {
					return err
				}
				current, err := store.Current(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), current)
				return nil
			})
		},
	}

	sequenceCmd.AddCommand(initCmd, showCmd)
	return sequenceCmd
}

func withDatabase(run func(db *gorm.DB, logger *zap.Logger) error) error {
	path, err := config.LoadDatabase(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(path, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return run(db, logger)
}
