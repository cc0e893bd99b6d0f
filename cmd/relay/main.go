// Command duskline-relay runs the relay service (C8): the rendezvous
// point clients register with and query so they can hole-punch a
// direct connection to each other.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/duskline/duskline/internal/descriptor"
	"github.com/duskline/duskline/internal/identity"
	"github.com/duskline/duskline/internal/quicnet"
	"github.com/duskline/duskline/internal/relay"
)

var (
	flagListen         string
	flagIdentityFile   string
	flagDescriptorFile string
)

var rootCmd = &cobra.Command{
	Use:   "duskline-relay",
	Short: "duskline relay service (rendezvous + hole-punch assist)",
	RunE:  runRelay,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagListen, "listen", envOr("DUSKLINE_RELAY_LISTEN", ":7777"), "UDP address to listen on (env: DUSKLINE_RELAY_LISTEN)")
	flags.StringVar(&flagIdentityFile, "identity-file", envOr("DUSKLINE_RELAY_IDENTITY", "relay_identity.seed"), "path to the relay's persisted Ed25519 seed (env: DUSKLINE_RELAY_IDENTITY)")
	flags.StringVar(&flagDescriptorFile, "descriptor-file", envOr("DUSKLINE_RELAY_DESCRIPTOR", "relay.json"), "path to write the descriptor clients read at startup (env: DUSKLINE_RELAY_DESCRIPTOR)")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute relay command")
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cred, err := loadOrCreateIdentity(flagIdentityFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	log.Info().Str("relay", identity.DisplayID(cred.PublicKey())).Msg("[relay] identity loaded")

	endpoint, err := quicnet.Listen(flagListen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer endpoint.Close()

	desc := descriptor.NewFromCredential(endpoint.LocalAddr().String(), cred.PublicKey())
	if err := descriptor.Save(flagDescriptorFile, desc); err != nil {
		log.Warn().Err(err).Msg("[relay] failed to write descriptor file")
	} else {
		log.Info().Str("path", flagDescriptorFile).Str("address", desc.Address).Msg("[relay] wrote descriptor for clients")
	}

	srv := relay.New(cred, endpoint)

	log.Info().Str("listen", endpoint.LocalAddr().String()).Msg("[relay] serving")
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	log.Info().Msg("[relay] shutdown complete")
	return nil
}

// loadOrCreateIdentity reads a persisted 32-byte Ed25519 seed from
// path, or generates and persists a fresh one if the file does not
// exist yet — the minimal bootstrap a thin driver needs to keep the
// same relay identity across restarts (spec §6: the identity store
// itself belongs to the caller, not to C8/C7).
func loadOrCreateIdentity(path string) (*identity.Credential, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("identity file %s: want %d bytes, got %d", path, ed25519.SeedSize, len(seed))
		}
		return identity.FromPrivateKey(ed25519.NewKeyFromSeed(seed))
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	seed = make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	log.Warn().Str("path", path).Msg("[relay] generated a new identity (delete this file to rotate)")
	return identity.FromPrivateKey(ed25519.NewKeyFromSeed(seed))
}
