package main

import (
	"fmt"
	"strings"
	"time"

	"airlift/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(12)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F8F8F2"))
)

func statusCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node identity and local state",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			node, err := startNode(cfg, logger)
			if err != nil {
				return err
			}
			defer node.Shutdown()

			time.Sleep(wait)

			var b strings.Builder
			b.WriteString(titleStyle.Render("NODE") + "\n")
			writeField(&b, "Name", cfg.Name)
			writeField(&b, "Peer ID", string(node.crypto.PeerID()))
			writeField(&b, "Backend", string(node.crypto.Backend()))
			writeField(&b, "Port", fmt.Sprintf("%d", cfg.TransferPort))
			writeField(&b, "Data dir", cfg.DataDir)
			writeField(&b, "Chunk size", utils.FormatDataSize(node.transfer.ChunkSize()))
			fmt.Println(b.String())

			peers := node.discovery.Peers()
			fmt.Println(titleStyle.Render(fmt.Sprintf("PEERS (%d)", len(peers))))
			if len(peers) == 0 {
				fmt.Println(emptyStyle.Render("No peers discovered"))
			} else {
				t := newTable("PEER ID", "NAME", "ADDRESS", "LAST SEEN")
				for _, p := range peers {
					t.Row(string(p.ID), p.Name,
						fmt.Sprintf("%s:%d", p.Address, p.Port),
						p.LastSeen.Format("15:04:05"))
				}
				fmt.Println(t.Render())
			}

			bundles := node.transfer.Bundles()
			fmt.Println(titleStyle.Render(fmt.Sprintf("HOSTED BUNDLES (%d)", len(bundles))))
			if len(bundles) == 0 {
				fmt.Println(emptyStyle.Render("No bundles hosted"))
			} else {
				t := newTable("BUNDLE ID", "PROJECT", "SIZE", "CHUNKS", "EXPIRES")
				for _, hb := range bundles {
					t.Row(string(hb.ID),
						fmt.Sprintf("%s@%s", hb.Manifest.Name, hb.Manifest.Version),
						utils.FormatDataSize(hb.Size),
						fmt.Sprintf("%d", hb.Chunks),
						hb.ExpiresAt.Format("15:04:05"))
				}
				fmt.Println(t.Render())
			}

			transfers := node.transfer.Transfers()
			if len(transfers) > 0 {
				fmt.Println(titleStyle.Render(fmt.Sprintf("TRANSFERS (%d)", len(transfers))))
				t := newTable("TRANSFER ID", "BUNDLE", "STATUS", "PROGRESS")
				for _, tr := range transfers {
					progress := "-"
					if tr.TotalBytes > 0 {
						progress = fmt.Sprintf("%.0f%%",
							float64(tr.TransferredBytes)/float64(tr.TotalBytes)*100)
					}
					t.Row(string(tr.ID), string(tr.BundleID), string(tr.Status), progress)
				}
				fmt.Println(t.Render())
			}

			return nil
		},
	}

	cmd.Flags().DurationVarP(&wait, "wait", "w", 2*time.Second, "how long to listen for announcements")
	return cmd
}

func writeField(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label) + " " + valueStyle.Render(value) + "\n")
}
