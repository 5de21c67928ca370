package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "mongo-backup",
		Short: "Scheduled MongoDB backups to S3",
		Long: `mongo-backup exports every collection of a MongoDB database to JSON,
zips the snapshots, uploads the archive to S3-compatible storage and
removes the local files once the upload is acknowledged.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
