package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"previewplane/pkg/api"
)

var (
	requestRepo      string
	requestPR        int
	requestSHA       string
	requestRequester string
	requestThreadID  string
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Request a preview environment for a pull request commit",
	Long: `Request a preview environment for a specific commit of a pull request.

The request is idempotent: asking for the same commit twice returns the
same preview. The command returns immediately with the idempotency key;
use 'previewctl status' to follow progress.`,
	Run: func(cmd *cobra.Command, args []string) {
		if requestRepo == "" || requestPR <= 0 || requestSHA == "" {
			cmd.Println("--repo, --pr and --sha are required")
			return
		}

		token := viper.GetString("token")
		if token == "" {
			cmd.Println("Internal token not found. Please set it using the --token flag or the PREVIEWPLANE_TOKEN environment variable")
			return
		}

		client := NewPreviewClient(viper.GetString("url"), token)
		resp, err := client.RequestPreview(api.DeployRequest{
			Repo:      requestRepo,
			PRNumber:  requestPR,
			CommitSHA: requestSHA,
			RequesterMeta: api.RequesterMeta{
				Requester: requestRequester,
				ThreadID:  requestThreadID,
			},
		})
		if err != nil {
			cmd.Printf("Failed to request preview: %v\n", err)
			return
		}

		cmd.Printf("Preview requested: %s (status: %s)\n", resp.IdempotencyKey, resp.Status)
		cmd.Printf("Follow progress with: previewctl status %q\n", resp.IdempotencyKey)
	},
}

func init() {
	requestCmd.Flags().StringVar(&requestRepo, "repo", "", "Repository in owner/name form")
	requestCmd.Flags().IntVar(&requestPR, "pr", 0, "Pull request number")
	requestCmd.Flags().StringVar(&requestSHA, "sha", "", "Commit SHA to deploy")
	requestCmd.Flags().StringVar(&requestRequester, "requester", "", "Who asked for the preview")
	requestCmd.Flags().StringVar(&requestThreadID, "thread", "", "Discussion thread to post status updates to")

	rootCmd.AddCommand(requestCmd)
}
