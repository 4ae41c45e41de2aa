// Command relay runs the nodemesh relay: the stream service that routes
// end-to-end-encrypted envelopes between nodes, plus the unary API for
// username registration, directory lookup, and follow-graph bookkeeping.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nodemesh/relay/internal/certutil"
	"github.com/nodemesh/relay/internal/config"
	"github.com/nodemesh/relay/internal/directory"
	"github.com/nodemesh/relay/internal/identity"
	"github.com/nodemesh/relay/internal/licenses"
	"github.com/nodemesh/relay/internal/logging"
	"github.com/nodemesh/relay/internal/protocol"
	"github.com/nodemesh/relay/internal/ratelimit"
	"github.com/nodemesh/relay/internal/relay"
	"github.com/nodemesh/relay/internal/relayapi"
	"github.com/nodemesh/relay/internal/store"
	"github.com/nodemesh/relay/internal/transport"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "relay",
		Short:   "Nodemesh relay server",
		Long:    "A transient envelope router for the nodemesh agent mesh: nodes hold long-lived streams open, the relay fans their end-to-end-encrypted envelopes out, and no message content is ever stored.",
		Version: version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(licensesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string
	var bind, apiBind, transportName, dataDir string
	var capacity, relayBurst, registerBurst, lookupBurst int
	var relayRate, registerRate, lookupRate float64

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay server",
		Long:  "Start the relay stream service and unary API with the specified configuration. Flags override config-file values.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				cfg = loaded
			}

			// Flags the operator actually set override the file.
			flagOverrides := map[string]func(){
				"bind":           func() { cfg.Relay.Bind = bind },
				"api-bind":       func() { cfg.API.Bind = apiBind },
				"transport":      func() { cfg.Relay.Transport = transportName },
				"data-dir":       func() { cfg.Store.DataDir = dataDir },
				"capacity":       func() { cfg.Relay.Capacity = capacity },
				"relay-burst":    func() { cfg.Limits.RelayBurst = relayBurst },
				"relay-rate":     func() { cfg.Limits.RelayRate = relayRate },
				"register-burst": func() { cfg.Limits.RegisterBurst = registerBurst },
				"register-rate":  func() { cfg.Limits.RegisterRate = registerRate },
				"lookup-burst":   func() { cfg.Limits.LookupBurst = lookupBurst },
				"lookup-rate":    func() { cfg.Limits.LookupRate = lookupRate },
			}
			for name, apply := range flagOverrides {
				if cmd.Flags().Changed(name) {
					apply()
				}
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}

			return runRelay(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&bind, "bind", ":4600", "Stream listener address")
	cmd.Flags().StringVar(&apiBind, "api-bind", ":9443", "Unary API listener address")
	cmd.Flags().StringVar(&transportName, "transport", "quic", "Stream transport (quic, ws, h2)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for the username/follow store")
	cmd.Flags().IntVar(&capacity, "capacity", 1000, "Maximum concurrently registered nodes")
	cmd.Flags().IntVar(&relayBurst, "relay-burst", 100, "Per-node RelaySend burst")
	cmd.Flags().Float64Var(&relayRate, "relay-rate", 100, "Per-node RelaySend tokens per second")
	cmd.Flags().IntVar(&registerBurst, "register-burst", 100, "Per-IP RegisterUsername burst")
	cmd.Flags().Float64Var(&registerRate, "register-rate", 100, "Per-IP RegisterUsername tokens per second")
	cmd.Flags().IntVar(&lookupBurst, "lookup-burst", 100, "Per-IP lookup burst")
	cmd.Flags().Float64Var(&lookupRate, "lookup-rate", 100, "Per-IP lookup tokens per second")

	return cmd
}

func runRelay(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Relay.LogLevel, cfg.Relay.LogFormat)

	if err := os.MkdirAll(cfg.Store.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.Store.DataDir, "relay.db"), logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	dir := directory.New[*protocol.Frame](cfg.Relay.Capacity)
	rooms := directory.NewRooms()
	server := relay.NewServer(dir, rooms, relay.Config{
		OutboundBufferSize: cfg.Relay.OutboundBuffer,
		StreamRateBurst:    cfg.Limits.RelayBurst,
		StreamRateRefill:   cfg.Limits.RelayRate,
		Logger:             logger,
	})

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return err
	}

	tr, err := buildTransport(cfg.Relay.Transport)
	if err != nil {
		return err
	}
	defer tr.Close()

	ln, err := tr.Listen(cfg.Relay.Bind, transport.ListenOptions{TLSConfig: tlsConfig})
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Relay.Bind, err)
	}
	logger.Info("relay listening",
		logging.KeyAddress, ln.Addr().String(),
		logging.KeyTransport, cfg.Relay.Transport,
		"capacity", cfg.Relay.Capacity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx, ln) }()

	var api *relayapi.Server
	if cfg.API.Enabled {
		apiCfg := relayapi.DefaultServerConfig()
		apiCfg.Bind = cfg.API.Bind
		apiCfg.TrustedProxyHeader = cfg.API.TrustedProxyHeader
		apiCfg.Logger = logger
		apiCfg.RegisterLimit = limiterConfig(cfg.Limits.RegisterBurst, cfg.Limits.RegisterRate, cfg.Limits)
		apiCfg.LookupLimit = limiterConfig(cfg.Limits.LookupBurst, cfg.Limits.LookupRate, cfg.Limits)

		api = relayapi.NewServer(apiCfg, st, dir)
		if err := api.Start(); err != nil {
			return err
		}
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listener failed: %w", err)
		}
	}

	// Graceful shutdown: stop accepting, notify connected nodes, wait for
	// outbound channels to drain up to the configured grace period.
	cancel()
	ln.Close()
	server.Shutdown(cfg.Relay.ShutdownGrace)
	if api != nil {
		api.Stop()
	}

	logger.Info("relay stopped")
	return nil
}

func limiterConfig(burst int, rate float64, limits config.LimitsConfig) ratelimit.Config {
	return ratelimit.Config{
		Burst:           burst,
		RefillRate:      rate,
		StrikeThreshold: limits.BanThreshold,
		StrikeWindow:    10 * time.Second,
		BanDuration:     limits.BanDuration,
		EvictionTTL:     10 * time.Minute,
	}
}

func buildTLSConfig(cfg *config.Config) (*tls.Config, error) {
	if cfg.TLS.HasCert() {
		certPEM, err := cfg.TLS.GetCertPEM()
		if err != nil {
			return nil, fmt.Errorf("failed to read TLS cert: %w", err)
		}
		keyPEM, err := cfg.TLS.GetKeyPEM()
		if err != nil {
			return nil, fmt.Errorf("failed to read TLS key: %w", err)
		}
		return transport.TLSConfigFromBytes(certPEM, keyPEM)
	}

	// No configured identity: generate an ephemeral self-signed cert so the
	// relay still comes up for development and trust-on-first-use setups.
	certPEM, keyPEM, err := transport.GenerateSelfSignedCert("nodemesh-relay", 90*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed cert: %w", err)
	}
	return transport.TLSConfigFromBytes(certPEM, keyPEM)
}

func buildTransport(name string) (transport.Transport, error) {
	switch name {
	case "quic":
		return transport.NewQUICTransport(), nil
	case "ws":
		return transport.NewWebSocketTransport(), nil
	case "h2":
		return transport.NewH2Transport(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

func initCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a node identity",
		Long:  "Generate a secp256k1 node identity and store it passphrase-encrypted in the data directory. Prints the derived NodeId.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity.Exists(dataDir) {
				fmt.Printf("Identity already exists in %s\n", dataDir)
				passphrase, err := readPassphrase("Passphrase: ")
				if err != nil {
					return err
				}
				id, err := identity.Load(dataDir, passphrase)
				if err != nil {
					return fmt.Errorf("failed to unlock identity: %w", err)
				}
				fmt.Printf("Node ID: %s\n", id.NodeID())
				return nil
			}

			passphrase, err := readPassphrase("New passphrase: ")
			if err != nil {
				return err
			}
			confirm, err := readPassphrase("Confirm passphrase: ")
			if err != nil {
				return err
			}
			if passphrase != confirm {
				return fmt.Errorf("passphrases do not match")
			}

			id, err := identity.Generate()
			if err != nil {
				return err
			}
			if err := id.Save(dataDir, passphrase); err != nil {
				return err
			}

			fmt.Printf("Identity created in %s\n", dataDir)
			fmt.Printf("Node ID:    %s\n", id.NodeID())
			fmt.Printf("Public key: %s\n", id.PublicKeyB64())
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")

	return cmd
}

func readPassphrase(prompt string) (string, error) {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(raw), nil
}

func statusCmd() *cobra.Command {
	var apiAddr string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay status",
		Long:  "Display the current status of a running relay via its unary API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			url := fmt.Sprintf("http://%s/v1/status", apiAddr)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to relay: %w", err)
			}
			defer resp.Body.Close()

			var status relayapi.StatusResponse
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			started := time.Now().Add(-time.Duration(status.UptimeSeconds) * time.Second)
			fmt.Printf("Relay Status\n")
			fmt.Printf("============\n")
			fmt.Printf("Nodes:    %s / %s\n",
				humanize.Comma(int64(status.NodesConnected)), humanize.Comma(int64(status.Capacity)))
			fmt.Printf("Uptime:   %s (started %s)\n",
				(time.Duration(status.UptimeSeconds) * time.Second).String(), humanize.Time(started))

			return nil
		},
	}

	cmd.Flags().StringVarP(&apiAddr, "api", "a", "localhost:9443", "Relay API address (host:port)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

func licensesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "licenses",
		Short: "List third-party licenses",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := licenses.List()
			if err != nil {
				return err
			}
			for _, lic := range list {
				fmt.Printf("%-50s %-14s %s\n", lic.Package, lic.Type, lic.URL)
			}
			return nil
		},
	}
}

func certCmd() *cobra.Command {
	var certPath, keyPath, commonName string
	var validDays int

	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate a TLS certificate for the relay",
		Long:  "Generate a self-signed server certificate and key for the relay's stream listener.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := certutil.DefaultServerOptions(commonName)
			opts.ValidFor = time.Duration(validDays) * 24 * time.Hour

			cert, err := certutil.GenerateCert(opts)
			if err != nil {
				return fmt.Errorf("failed to generate certificate: %w", err)
			}
			if err := cert.SaveToFiles(certPath, keyPath); err != nil {
				return err
			}

			fmt.Printf("Certificate: %s\n", certPath)
			fmt.Printf("Key:         %s\n", keyPath)
			fmt.Printf("Fingerprint: %s\n", cert.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVar(&certPath, "cert", "./certs/relay.crt", "Certificate output path")
	cmd.Flags().StringVar(&keyPath, "key", "./certs/relay.key", "Key output path")
	cmd.Flags().StringVar(&commonName, "cn", "nodemesh-relay", "Certificate common name")
	cmd.Flags().IntVar(&validDays, "days", 365, "Validity period in days")

	return cmd
}
