package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"previewplane/pkg/api"
)

var (
	closeRepo string
	closePR   int
)

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Tear down all previews for a closed pull request",
	Long: `Signal that a pull request has been closed or merged. Every
non-terminal preview of the PR is marked expired; the sweeper tears the
environments down on its next pass.`,
	Run: func(cmd *cobra.Command, args []string) {
		if closeRepo == "" || closePR <= 0 {
			cmd.Println("--repo and --pr are required")
			return
		}

		token := viper.GetString("token")
		if token == "" {
			cmd.Println("Internal token not found. Please set it using the --token flag or the PREVIEWPLANE_TOKEN environment variable")
			return
		}

		client := NewPreviewClient(viper.GetString("url"), token)
		resp, err := client.ClosePreview(api.ClosePreviewRequest{
			Repo:     closeRepo,
			PRNumber: closePR,
		})
		if err != nil {
			cmd.Printf("Failed to close previews: %v\n", err)
			return
		}

		cmd.Printf("Marked %d preview(s) of %s#%d for teardown\n", resp.Expired, closeRepo, closePR)
	},
}

func init() {
	closeCmd.Flags().StringVar(&closeRepo, "repo", "", "Repository in owner/name form")
	closeCmd.Flags().IntVar(&closePR, "pr", 0, "Pull request number")

	rootCmd.AddCommand(closeCmd)
}
