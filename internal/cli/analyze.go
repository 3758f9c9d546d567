package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/securecall/securecall/internal/analysis"
	"github.com/securecall/securecall/internal/record"
)

func NewAnalyzeCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <recording.wav>",
		Short: "Run the scam analysis pipeline on an existing recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			if cfg.Analysis.UploadURL == "" {
				return errors.New("analysis.upload_url is not configured")
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			artifact := &record.Artifact{
				ParticipantID: cfg.Identity.UserID,
				CreatedAt:     time.Now(),
				Data:          data,
			}

			client := analysis.NewClient(cfg.Analysis.UploadURL, cfg.Analysis.UploadPreset, cfg.Analysis.BackendURL, deps.Log)
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			report, err := client.Process(ctx, artifact)
			if err != nil {
				return err
			}

			fmt.Println("transcription:")
			fmt.Println(report.RefinedTranscription)
			fmt.Println()
			fmt.Println("analysis:")
			fmt.Println(report.ScamAnalysis)

			if verdict, ok := analysis.ParseVerdict(report.ScamAnalysis); ok {
				fmt.Printf("\n%s (scam likelihood %d%%)\n", verdict.Message, verdict.Likelihood)
			} else {
				fmt.Println("\nno likelihood score found in the analysis")
			}
			return nil
		},
	}
	return cmd
}
