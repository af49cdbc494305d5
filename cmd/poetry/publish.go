package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/acldm/chinese-poetry/internal/mirror"
	"github.com/acldm/chinese-poetry/internal/output"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Copy the output directory to S3 or another directory",
	Long: `Publish uploads every JSON file in the output directory, including
progress.json and waitlist.json, to the mirror destination.

S3 credentials come from the standard AWS environment and profiles.
AWS_ENDPOINT_URL_S3 and AWS_S3_FORCE_PATH_STYLE=true select an S3-compatible
endpoint such as MinIO.

Examples:
  poetry publish --out ./enriched --to s3://poems/tang
  poetry publish --out ./enriched --to file:///mnt/backup/enriched`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := interruptible(cmd.Context())
		defer cancel()

		mgr, err := loadConfig(cmd, map[string]string{
			"output_dir":         "out",
			"mirror.destination": "to",
			"mirror.region":      "region",
		})
		if err != nil {
			return err
		}
		cfg := mgr.Get()
		if cfg.OutputDir == "" || cfg.Mirror.Destination == "" {
			return fmt.Errorf("output_dir and mirror.destination are required")
		}
		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}

		res, err := mirror.Publish(ctx, cfg.OutputDir, mirror.Options{
			Destination: cfg.Mirror.Destination,
			Region:      cfg.Mirror.Region,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		return output.Print(res)
	},
}

func init() {
	f := publishCmd.Flags()
	f.String("out", "", "output directory to publish")
	f.String("to", "", "destination: s3://bucket/prefix or file:///dir")
	f.String("region", "", "AWS region for s3 destinations")
	rootCmd.AddCommand(publishCmd)
}
