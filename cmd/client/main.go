// Command duskline-client is the thin driver spec §6 describes: it
// constructs the identity store, starts the process-wide cancellation
// token, and launches C7. There is no UI here — events are logged to
// stdout and a handful of one-shot flags cover sending text, offering
// a file, or requesting one, which is enough to drive the connection
// manager from a shell without building the out-of-scope TUI.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/duskline/duskline/internal/connmanager"
	"github.com/duskline/duskline/internal/descriptor"
	"github.com/duskline/duskline/internal/filestore"
	"github.com/duskline/duskline/internal/identity"
	"github.com/duskline/duskline/internal/quicnet"
	"github.com/duskline/duskline/internal/store"
)

var (
	flagIdentityFile   string
	flagDescriptorFile string
	flagListen         string
	flagDataDir        string
	flagHistoryDir     string

	flagSendTo   string
	flagSendText string
	flagSendFile string
	flagGetFile  string

	flagLabelPeer string
	flagLabelName string
)

var rootCmd = &cobra.Command{
	Use:   "duskline-client",
	Short: "duskline peer client (connection manager driver, no UI)",
	RunE:  runClient,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagIdentityFile, "identity-file", envOr("DUSKLINE_CLIENT_IDENTITY", "client_identity.seed"), "path to the client's persisted Ed25519 seed (env: DUSKLINE_CLIENT_IDENTITY)")
	flags.StringVar(&flagDescriptorFile, "descriptor-file", envOr("DUSKLINE_RELAY_DESCRIPTOR", "relay.json"), "path to the relay descriptor file (env: DUSKLINE_RELAY_DESCRIPTOR)")
	flags.StringVar(&flagListen, "listen", envOr("DUSKLINE_CLIENT_LISTEN", ":0"), "UDP address to bind the shared peer/relay socket to (env: DUSKLINE_CLIENT_LISTEN)")
	flags.StringVar(&flagDataDir, "data-dir", envOr("DUSKLINE_CLIENT_DATA", "client_data"), "directory for received/offered file content (env: DUSKLINE_CLIENT_DATA)")
	flags.StringVar(&flagHistoryDir, "history-dir", envOr("DUSKLINE_CLIENT_HISTORY", "client_history"), "directory for the persisted message log and address book (env: DUSKLINE_CLIENT_HISTORY)")

	flags.StringVar(&flagSendTo, "send-to", "", "base64 identity key of the peer to message (one-shot)")
	flags.StringVar(&flagSendText, "send-text", "", "text to send to --send-to on startup")
	flags.StringVar(&flagSendFile, "send-file", "", "path of a local file to store and announce to --send-to")
	flags.StringVar(&flagGetFile, "get-file", "", "hex BLAKE3 digest to request from --send-to")

	flags.StringVar(&flagLabelPeer, "label-peer", "", "base64 identity key to assign a display name to, in the local address book")
	flags.StringVar(&flagLabelName, "label-name", "", "display name to record for --label-peer")
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
		log.Fatal().Err(err).Msg("execute client command")
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cred, err := loadOrCreateIdentity(flagIdentityFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	log.Info().Str("identity_base64", base64.StdEncoding.EncodeToString(cred.PublicKey())).
		Str("display_id", identity.DisplayID(cred.PublicKey())).
		Msg("[client] identity loaded")

	desc, err := descriptor.Load(flagDescriptorFile)
	if err != nil {
		return fmt.Errorf("load relay descriptor: %w", err)
	}
	relayPub, err := desc.PublicKeyBytes()
	if err != nil {
		return fmt.Errorf("relay descriptor: %w", err)
	}
	relayStatic, err := identity.ToX25519Public(relayPub)
	if err != nil {
		return fmt.Errorf("relay descriptor: derive static key: %w", err)
	}
	relayAddr, err := net.ResolveUDPAddr("udp", desc.Address)
	if err != nil {
		return fmt.Errorf("relay descriptor: resolve %q: %w", desc.Address, err)
	}

	endpoint, err := quicnet.Listen(flagListen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer endpoint.Close()

	files, err := filestore.Open(flagDataDir)
	if err != nil {
		return fmt.Errorf("open file store: %w", err)
	}
	defer files.Close()

	hist, err := store.Open(flagHistoryDir)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer hist.Close()

	if flagLabelPeer != "" {
		target, err := parseIdentity(flagLabelPeer)
		if err != nil {
			return fmt.Errorf("--label-peer: %w", err)
		}
		if err := hist.SetLabel(target, flagLabelName); err != nil {
			return fmt.Errorf("--label-peer: %w", err)
		}
		log.Info().Str("peer", identity.DisplayID(target)).Str("name", flagLabelName).Msg("[client] address book updated")
	}

	mgr := connmanager.New(cred, relayAddr, relayStatic, endpoint, files)

	go logEvents(mgr.Events, hist)

	if flagSendTo != "" {
		target, err := parseIdentity(flagSendTo)
		if err != nil {
			return fmt.Errorf("--send-to: %w", err)
		}
		if err := runOneShots(ctx, mgr, files, target); err != nil {
			return err
		}
	}

	log.Info().Str("relay", desc.Address).Msg("[client] connecting")
	if err := mgr.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	log.Info().Msg("[client] shutdown complete")
	return nil
}

// runOneShots fires whichever of --send-text/--send-file/--get-file
// the operator passed, each in its own goroutine since Manager.Run
// (which actually drives the relay session these calls block on)
// hasn't started yet when runClient calls this.
func runOneShots(ctx context.Context, mgr *connmanager.Manager, files *filestore.Store, target ed25519.PublicKey) error {
	if flagSendText != "" {
		text := flagSendText
		go func() {
			if err := mgr.SendText(ctx, target, text); err != nil {
				log.Error().Err(err).Msg("[client] send-text failed")
			}
		}()
	}
	if flagSendFile != "" {
		f, err := os.Open(flagSendFile)
		if err != nil {
			return fmt.Errorf("--send-file: %w", err)
		}
		desc, err := files.Put(filepath.Base(flagSendFile), "application/octet-stream", f)
		f.Close()
		if err != nil {
			return fmt.Errorf("--send-file: store: %w", err)
		}
		go func() {
			if err := mgr.AnnounceFile(ctx, target, desc); err != nil {
				log.Error().Err(err).Msg("[client] announce-file failed")
			}
		}()
	}
	if flagGetFile != "" {
		digestBytes, err := hex.DecodeString(flagGetFile)
		if err != nil || len(digestBytes) != 32 {
			return fmt.Errorf("--get-file: invalid digest %q", flagGetFile)
		}
		var digest [32]byte
		copy(digest[:], digestBytes)
		go func() {
			if err := mgr.RequestFile(ctx, target, digest); err != nil {
				log.Error().Err(err).Msg("[client] request-file failed")
			}
		}()
	}
	return nil
}

// logEvents logs every Manager event and, for incoming text, appends
// it to the persisted message log (store.Envelope) and resolves the
// sender's address-book label if one has been recorded.
func logEvents(events <-chan connmanager.Event, hist *store.Store) {
	for ev := range events {
		entry := log.Info()
		if ev.Err != nil {
			entry = log.Error().Err(ev.Err)
		}
		if ev.Peer != nil {
			peerLabel := identity.DisplayID(ev.Peer)
			if name, ok := hist.Label(ev.Peer); ok {
				peerLabel = name + " (" + peerLabel + ")"
			}
			entry = entry.Str("peer", peerLabel)
		}
		switch ev.Kind {
		case connmanager.EventServerOffline:
			entry.Msg("[client] relay offline, retrying")
		case connmanager.EventConnecting:
			entry.Msg("[client] connecting to relay")
		case connmanager.EventConnected:
			entry.Msg("[client] relay connected")
		case connmanager.EventPeerNotFound:
			entry.Msg("[client] peer not registered with relay")
		case connmanager.EventPeerText:
			if err := hist.AppendEnvelope(store.Envelope{Author: ev.Peer, Text: ev.Text, UnixNanos: time.Now().UnixNano()}); err != nil {
				log.Error().Err(err).Msg("[client] failed to persist message")
			}
			entry.Str("text", ev.Text).Msg("[client] message received")
		case connmanager.EventPeerFileAnnounced:
			entry.Str("file", ev.File.Name).Str("digest", hex.EncodeToString(ev.File.Digest[:])).Msg("[client] file announced")
		case connmanager.EventPeerFileReceived:
			entry.Str("file", ev.File.Name).Msg("[client] file received")
		case connmanager.EventPeerFileFailed:
			entry.Str("file", ev.File.Name).Msg("[client] file transfer failed")
		case connmanager.EventPeerError:
			entry.Msg("[client] peer session error")
		}
	}
}

func parseIdentity(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// loadOrCreateIdentity reads a persisted 32-byte Ed25519 seed from
// path, or generates and persists a fresh one if the file does not
// exist yet (mirrors cmd/relay's bootstrap; the two binaries are
// independent and each owns this minimal slice of "the identity
// store" spec §6 otherwise leaves to the caller).
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
	log.Warn().Str("path", path).Msg("[client] generated a new identity (delete this file to rotate)")
	return identity.FromPrivateKey(ed25519.NewKeyFromSeed(seed))
}
