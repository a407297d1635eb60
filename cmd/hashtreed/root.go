package main

import (
	"github.com/spf13/cobra"

	"github.com/mmalmi/hashtree-go/pkg/config"
)

var (
	envFlag string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "hashtreed",
	Short: "Content-addressed, user-owned filesystem daemon",
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(envFlag)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFlag, "env", "", "config overlay name (e.g. \"dev\", \"prod\")")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(idCmd)
}
