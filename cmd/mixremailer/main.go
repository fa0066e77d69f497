// Command mixremailer is the operator CLI for running and administering a
// node: serve starts the daemon, keygen/pubkey manage this node's own RSA
// identity, capabilities inspects the loaded peer ring, and reload-pubring
// validates a pubring file before it is installed. The subcommand tree
// shape, including persistent --config/--log-level flags shared by every
// command, is grounded on the CLI package's own cobra root command.
package main

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mix-remailer/internal/config"
	"mix-remailer/internal/gateway"
	"mix-remailer/internal/keyformat"
	"mix-remailer/internal/logging"
	"mix-remailer/internal/pubring"
	"mix-remailer/internal/replaylog"
	"mix-remailer/internal/secretstore"
)

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "mixremailer",
		Short: "Type-II anonymous remailer node",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/mixremailer/config.yaml", "config file path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level from the config file")

	root.AddCommand(
		newServeCmd(),
		newKeygenCmd(),
		newPubkeyCmd(),
		newCapabilitiesCmd(),
		newReloadPubringCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newBaseLogger(cfg *config.Config) *logrus.Logger {
	base := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		base.SetLevel(lvl)
	}
	return base
}

func newLogging(cfg *config.Config, base *logrus.Logger) *logging.Manager {
	var loki *logging.LokiClient
	if cfg.Loki.URL != "" {
		loki = logging.NewLokiClient(cfg.Loki.URL, cfg.Loki.Username, cfg.Loki.Password)
	}
	return logging.New(base, loki, cfg.General.Version)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the remailer node in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	base := newBaseLogger(cfg)
	log := logrus.NewEntry(base)
	lm := newLogging(cfg, base)

	replay, err := replaylog.Open(cfg.Storage.ReplayDSN, cfg.Replay.Window.Duration, log)
	if err != nil {
		log.WithError(err).Fatal("mixremailer: opening replay log")
	}

	node, err := gateway.New(cfg, log, lm, replay, gateway.OpenMongoChunkCollection(cfg))
	if err != nil {
		_ = replay.Close()
		log.WithError(err).Fatal("mixremailer: wiring node")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("mixremailer: serving")
	return node.Run(ctx)
}

func newKeygenCmd() *cobra.Command {
	var (
		shortName string
		email     string
		caps      string
		validDays int
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new node keypair and print the distributable public block",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(shortName, email, caps, validDays)
		},
	}
	cmd.Flags().StringVar(&shortName, "name", "", "short-name advertised to peers (required)")
	cmd.Flags().StringVar(&email, "email", "", "inbound address peers deliver to (required)")
	cmd.Flags().StringVar(&caps, "caps", "", "capability string, e.g. \"E\" for exit-capable")
	cmd.Flags().IntVar(&validDays, "valid-days", 0, "key validity in days from today (0 = no expiry)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func runKeygen(shortName, email, caps string, validDays int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var validFor time.Duration
	if validDays > 0 {
		validFor = time.Duration(validDays) * 24 * time.Hour
	}

	key, id, err := secretstore.GenerateAndAppend(cfg.Keys.Secring, validFor)
	if err != nil {
		return fmt.Errorf("mixremailer: generating key: %w", err)
	}
	fmt.Fprintf(os.Stderr, "generated key %s, appended to %s\n", id, cfg.Keys.Secring)

	block, err := formatPublicBlock(shortName, email, caps, &key.PublicKey)
	if err != nil {
		return err
	}
	fmt.Println(block)
	return nil
}

func formatPublicBlock(shortName, email, caps string, pub *rsa.PublicKey) (string, error) {
	wire := keyformat.EncodePublic(pub)
	return pubring.FormatBlock(shortName, email, wire, caps)
}

func newPubkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey",
		Short: "Print the public block for every key currently in the secret keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPubkey()
		},
	}
}

func runPubkey() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logrus.NewEntry(newBaseLogger(cfg))

	store, err := secretstore.New(cfg.Keys.Secring, log)
	if err != nil {
		return fmt.Errorf("mixremailer: loading secret keyring: %w", err)
	}

	ids := store.KeyIDs()
	if len(ids) == 0 {
		return fmt.Errorf("mixremailer: no keys found in %s", cfg.Keys.Secring)
	}
	for _, id := range ids {
		key, ok := store.Lookup(id)
		if !ok {
			continue
		}
		wire := keyformat.EncodePublic(&key.PublicKey)
		fmt.Printf("Key-ID: %s\nPublic wire (base64): %s\n\n", id, base64.StdEncoding.EncodeToString(wire))
	}
	return nil
}

func newCapabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "List every peer in the pubring and the capabilities each advertises",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapabilities()
		},
	}
}

func runCapabilities() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logrus.NewEntry(newBaseLogger(cfg))

	ring, err := pubring.New(cfg.Keys.Pubring, log)
	if err != nil {
		return fmt.Errorf("mixremailer: loading pubring: %w", err)
	}

	names := ring.ListHeaders()
	fmt.Printf("%d peers loaded from %s\n", len(names), cfg.Keys.Pubring)
	for _, name := range names {
		peer, ok := ring.ByName(name)
		if !ok {
			continue
		}
		exit := ""
		if peer.HasCapability(pubring.CapabilityExit) {
			exit = " (exit)"
		}
		fmt.Printf("  %-16s %-32s %s%s\n", peer.ShortName, peer.Email, peer.KeyID, exit)
	}
	return nil
}

func newReloadPubringCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "reload-pubring",
		Short: "Validate a pubring file before installing it",
		Long: `reload-pubring parses a pubring file the same way the running node
does and reports how many peers it contains, without touching the live
node. It exists so an operator can check a new pubring file before copying
it over the one the daemon has open; the daemon itself picks up changes to
its configured pubring lazily, on the next cache miss.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReloadPubring(path)
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "pubring file to validate (defaults to keys.pubring from --config)")
	return cmd
}

func runReloadPubring(path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if path == "" {
		path = cfg.Keys.Pubring
	}
	log := logrus.NewEntry(newBaseLogger(cfg))

	ring, err := pubring.New(path, log)
	if err != nil {
		return fmt.Errorf("mixremailer: %s does not parse: %w", path, err)
	}
	fmt.Printf("%s: ok, %d peers\n", path, len(ring.ListHeaders()))
	return nil
}
