package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"airlift/pkg/bundle"
	"airlift/pkg/config"
	"airlift/pkg/crypto"
	"airlift/pkg/discovery"
	"airlift/pkg/transfer"
	"airlift/pkg/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "0.3.0"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "airlift",
		Short: "LAN project bundle sharing",
		Long: `Packages a project tree into a single verifiable bundle, announces it to
peers on the local network and transfers bundles under integrity and
freshness guarantees.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		shareCmd(),
		fetchCmd(),
		peersCmd(),
		bundlesCmd(),
		statusCmd(),
		validateCmd(),
		keygenCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bundle host",
		Long:  `Start discovery and the transfer server, hosting announced bundles until interrupted.`,
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

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			return node.transfer.Serve(ctx, fmt.Sprintf(":%d", cfg.TransferPort))
		},
	}
	return cmd
}

func shareCmd() *cobra.Command {
	var (
		manifestPath string
		excludes     []string
	)

	cmd := &cobra.Command{
		Use:   "share <project-dir>",
		Short: "Bundle a project and host it",
		Long: `Encode a project tree into a bundle, sign it, announce it to the network
and serve it until interrupted. The manifest is read from manifest.json in
the project root unless --manifest is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			manifest, err := loadManifest(args[0], manifestPath)
			if err != nil {
				return err
			}

			node, err := startNode(cfg, logger)
			if err != nil {
				return err
			}
			defer node.Shutdown()

			b, err := node.transfer.AnnounceBundle(args[0], manifest, excludes)
			if err != nil {
				return err
			}

			fmt.Printf("Sharing %s@%s as bundle %s (%d chunks)\n",
				manifest.Name, manifest.Version, b.ID, b.Chunks)

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			return node.transfer.Serve(ctx, fmt.Sprintf(":%d", cfg.TransferPort))
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "manifest file path")
	cmd.Flags().StringSliceVarP(&excludes, "exclude", "e", nil, "additional exclusion patterns")
	return cmd
}

func fetchCmd() *cobra.Command {
	var (
		dest      string
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <peer-id> <bundle-id>",
		Short: "Pull a bundle from a peer and extract it",
		Args:  cobra.ExactArgs(2),
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

			peerID := types.PeerID(args[0])
			bundleID := types.BundleID(args[1])

			if err := waitForPeer(node.discovery, peerID); err != nil {
				return err
			}

			t, err := node.transfer.RequestBundle(cmd.Context(), peerID, bundleID)
			if err != nil {
				return err
			}

			if dest == "" {
				dest = string(bundleID)
			}
			codec := bundle.NewCodec(logger)
			manifest, err := codec.Decode(t.TempPath, dest, overwrite)
			if err != nil {
				return err
			}

			fmt.Printf("Fetched %s@%s into %s\n", manifest.Name, manifest.Version, dest)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dest, "dest", "d", "", "extraction directory (default: bundle id)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "extract into a non-empty destination")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <bundle-file>",
		Short: "Check a bundle file without extracting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			manifest, err := bundle.NewCodec(logger).Validate(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Valid bundle: %s@%s (%s)\n",
				manifest.Name, manifest.Version, manifest.Language)
			return nil
		},
	}
}

func keygenCmd() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a node identity key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			svc, err := crypto.NewService(logger)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(svc.Keys(), "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(outFile, data, 0600); err != nil {
				return fmt.Errorf("failed to write key file: %w", err)
			}

			fmt.Printf("Identity %s (%s backend) written to %s\n",
				svc.PeerID(), svc.Backend(), outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "airlift-key.json", "output key file")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("airlift %s (protocol %s)\n", version, transfer.ProtocolVersion)
		},
	}
}

// node bundles the running services for a command's lifetime.
type node struct {
	crypto    *crypto.Service
	discovery *discovery.Service
	transfer  *transfer.Service
}

func startNode(cfg *config.Config, logger *zap.Logger) (*node, error) {
	cryptoSvc, err := loadIdentity(cfg, logger)
	if err != nil {
		return nil, err
	}

	disco := discovery.New(cfg.Name, cfg.TransferPort, cryptoSvc, logger)
	if err := disco.Start(); err != nil {
		return nil, fmt.Errorf("failed to start discovery: %w", err)
	}
	for _, p := range cfg.ManualPeers {
		disco.AddManualPeer(p.Name, p.Address, p.Port, p.PublicKey)
	}

	xfer := transfer.NewService(cfg.Name, cfg.DataDir, cryptoSvc, disco, logger)
	chunkSize, err := cfg.ChunkSizeBytes(bundle.DefaultChunkSize)
	if err != nil {
		disco.Stop()
		return nil, err
	}
	xfer.SetChunkSize(chunkSize)

	if err := xfer.Start(); err != nil {
		disco.Stop()
		return nil, fmt.Errorf("failed to start transfer service: %w", err)
	}

	return &node{crypto: cryptoSvc, discovery: disco, transfer: xfer}, nil
}

func (n *node) Shutdown() {
	n.transfer.Stop()
	n.discovery.Stop()
}

func loadIdentity(cfg *config.Config, logger *zap.Logger) (*crypto.Service, error) {
	if cfg.KeyFile == "" {
		return crypto.NewService(logger)
	}

	data, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var keys crypto.KeyPair
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	return crypto.NewServiceWithKeys(&keys, logger)
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.LoadFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadManifest(projectRoot, manifestPath string) (*types.Manifest, error) {
	if manifestPath == "" {
		manifestPath = projectRoot + "/manifest.json"
	}
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest types.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if !manifest.Valid() {
		return nil, fmt.Errorf("%w: name, version, language and run command are required",
			types.ErrInvalidManifest)
	}
	return &manifest, nil
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
