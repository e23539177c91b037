package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/anireap/anireap/internal/config"
)

func newCheckCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print what would run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			printSummary(cmd.OutOrStdout(), c.cfg)
			return nil
		},
	}
}

func printSummary(w io.Writer, cfg config.Config) {
	_, _ = fmt.Fprintf(w, "listen:        %s\n", cfg.Server.Listen)
	_, _ = fmt.Fprintf(w, "downloader:    %s %s\n", cfg.Downloader.Type, cfg.Downloader.URL)
	_, _ = fmt.Fprintf(w, "downloads:     %s\n", cfg.Downloader.DownloadPath)
	_, _ = fmt.Fprintf(w, "mirror:        %s\n", mirrorMode(cfg.Mirror))
	_, _ = fmt.Fprintf(w, "subscriptions: %s\n", cfg.Subscriptions.File)
}

func mirrorMode(m config.MirrorConfig) string {
	switch {
	case m.Enabled:
		return fmt.Sprintf("upload via %s to %s", m.Backend, m.Path)
	case m.Refresh:
		return fmt.Sprintf("refresh only via %s at %s", m.Backend, m.Path)
	default:
		return "off"
	}
}
