package cmd

import (
	"github.com/spf13/cobra"
	"media-pipeline/config"
	server2 "media-pipeline/server"
)

func worker(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "start a worker-only process",
		Run: func(cmd *cobra.Command, args []string) {
			server2.RunWorker(config)
		},
	}
}
