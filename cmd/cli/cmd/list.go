package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	listStatus string
	listLimit  int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List preview environments",
	Long: `List recent preview deployments, newest first. Filter by lifecycle
state with --status (pending, claimed, provisioning, ready, failed, cleaned).`,
	Run: func(cmd *cobra.Command, args []string) {
		client := NewPreviewClient(viper.GetString("url"), viper.GetString("token"))

		previews, err := client.ListPreviews(listStatus, listLimit)
		if err != nil {
			cmd.Printf("Failed to list previews: %v\n", err)
			return
		}

		if len(previews) == 0 {
			cmd.Println("No previews found")
			return
		}

		for _, p := range previews {
			line := colorizeStatus(p.Status)
			cmd.Printf("%-40s %s", p.IdempotencyKey, line)
			if p.PreviewURL != "" {
				cmd.Printf("  %s%s%s", colorCyan, p.PreviewURL, colorReset)
			}
			cmd.Println()
		}
	},
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by lifecycle state")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum number of previews to list")

	rootCmd.AddCommand(listCmd)
}
