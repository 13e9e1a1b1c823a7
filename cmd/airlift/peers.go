package main

import (
	"context"
	"fmt"
	"time"

	"airlift/pkg/discovery"
	"airlift/pkg/types"
	"airlift/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	accentColor  = lipgloss.Color("#50FA7B")
	mutedColor   = lipgloss.Color("#6272A4")
	headerColor  = lipgloss.Color("#8BE9FD")
	bgLightColor = lipgloss.Color("#44475A")

	tableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(headerColor).
				Padding(0, 1)

	tableRowStyle = lipgloss.NewStyle().
			Padding(0, 1)

	emptyStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)
)

const discoverWait = 5 * time.Second

func peersCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List peers discovered on the local network",
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

			peers := node.discovery.Peers()
			if len(peers) == 0 {
				fmt.Println(emptyStyle.Render("No peers discovered"))
				return nil
			}

			t := newTable("PEER ID", "NAME", "ADDRESS", "LAST SEEN")
			for _, p := range peers {
				t.Row(string(p.ID), p.Name,
					fmt.Sprintf("%s:%d", p.Address, p.Port),
					p.LastSeen.Format("15:04:05"))
			}
			fmt.Println(t.Render())
			return nil
		},
	}

	cmd.Flags().DurationVarP(&wait, "wait", "w", discoverWait, "how long to listen for announcements")
	return cmd
}

func bundlesCmd() *cobra.Command {
	var peerID string

	cmd := &cobra.Command{
		Use:   "bundles",
		Short: "List bundles hosted by a peer",
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

			if err := waitForPeer(node.discovery, types.PeerID(peerID)); err != nil {
				return err
			}

			peer, _ := node.discovery.GetPeer(types.PeerID(peerID))
			entries, err := node.transfer.FetchBundleList(cmd.Context(), peer)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println(emptyStyle.Render("Peer hosts no bundles"))
				return nil
			}

			t := newTable("BUNDLE ID", "PROJECT", "SIZE", "CHUNKS")
			for _, e := range entries {
				t.Row(e.BundleID,
					fmt.Sprintf("%s@%s", e.Manifest.Name, e.Manifest.Version),
					utils.FormatDataSize(e.Size),
					fmt.Sprintf("%d", e.Chunks))
			}
			fmt.Println(t.Render())
			return nil
		},
	}

	cmd.Flags().StringVarP(&peerID, "peer", "p", "", "peer id to query")
	cmd.MarkFlagRequired("peer")
	return cmd
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return tableHeaderStyle
			}
			return tableRowStyle
		}).
		Headers(headers...)
}

// waitForPeer blocks until the peer shows up in the registry or the
// discovery window elapses.
func waitForPeer(disco *discovery.Service, peerID types.PeerID) error {
	if _, ok := disco.GetPeer(peerID); ok {
		return nil
	}

	events := disco.Subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), discoverWait)
	defer cancel()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("%w: %s", types.ErrPeerUnavailable, peerID)
			}
			if ev.Type == discovery.EventPeerDiscovered && ev.Peer.ID == peerID {
				return nil
			}
		case <-ctx.Done():
			if _, ok := disco.GetPeer(peerID); ok {
				return nil
			}
			return fmt.Errorf("%w: %s not seen on the network", types.ErrPeerUnavailable, peerID)
		}
	}
}
