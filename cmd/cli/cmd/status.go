package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"previewplane/pkg/api"
)

var statusCmd = &cobra.Command{
	Use:   "status [idempotency_key]",
	Short: "Get status of a preview environment",
	Long: `Retrieve detailed status for a preview deployment, including its
lifecycle state (pending, claimed, provisioning, ready, failed, cleaned),
the preview URL once ready, and retry information.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewPreviewClient(viper.GetString("url"), viper.GetString("token"))

		preview, err := client.GetPreview(args[0])
		if err != nil {
			cmd.Printf("Failed to get preview: %v\n", err)
			return
		}

		printStatus(cmd, *preview)
	},
}

func printStatus(cmd *cobra.Command, preview api.PreviewResponse) {
	icon := statusIcon(preview.Status)
	cmd.Printf("%s %sPreview Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sKey:%s         %s\n", colorDim, colorReset, preview.IdempotencyKey)
	cmd.Printf("%sRepo:%s        %s (PR #%d, %s)\n", colorDim, colorReset, preview.Repo, preview.PRNumber, preview.CommitSHA)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(preview.Status))

	if preview.PreviewURL != "" {
		cmd.Printf("%sURL:%s         %s%s%s\n", colorDim, colorReset, colorCyan, preview.PreviewURL, colorReset)
	}

	if preview.RetryCount > 0 {
		cmd.Printf("%sRetries:%s     %d\n", colorDim, colorReset, preview.RetryCount)
	}
	if preview.ManualReview {
		cmd.Printf("%sReview:%s      %sneeds manual review%s\n", colorDim, colorReset, colorRed, colorReset)
	}

	cmd.Printf("%sRequested:%s   %s\n", colorDim, colorReset, formatTimeWithRelative(&preview.CreatedAt))
	cmd.Printf("%sReady:%s       %s\n", colorDim, colorReset, formatTimeWithRelative(preview.ReadyAt))
	cmd.Printf("%sExpires:%s     %s\n", colorDim, colorReset, formatExpiry(preview.ExpiresAt))
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "ready":
		return colorGreen + "✓" + colorReset
	case "failed":
		return colorRed + "✗" + colorReset
	case "claimed", "provisioning":
		return colorYellow + "⏳" + colorReset
	case "pending":
		return colorCyan + "◯" + colorReset
	case "cleaned":
		return colorDim + "▪" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "ready":
		return icon + " " + colorGreen + status + colorReset
	case "failed":
		return icon + " " + colorRed + status + colorReset
	case "claimed", "provisioning":
		return icon + " " + colorYellow + status + colorReset
	case "pending":
		return icon + " " + colorCyan + status + colorReset
	case "cleaned":
		return icon + " " + colorDim + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "-"
	}
	if t.Before(time.Now()) {
		return fmt.Sprintf("%s %s(expired)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorRed, colorReset)
	}
	return fmt.Sprintf("%s %s(in %s)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relativeTime(*t), colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)
	if duration < 0 {
		duration = -duration
	}

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	}

	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
