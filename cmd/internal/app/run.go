package app

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sigpad/cmd/internal/device"
	"sigpad/cmd/internal/padsim"
	"sigpad/cmd/internal/signing"

	"github.com/lestrrat-go/jwx/jwk"
	"github.com/spf13/cobra"
)

// Run is the CLI entrypoint used by cmd/sigpad.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the sigpad command tree. Without a subcommand it runs the kiosk.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "sigpad",
		Short:        "Signature pad kiosk client",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runKiosk(cmd.Context())
		},
	}
	root.AddCommand(newRunCommand(), newVerifyCommand(), newPublicKeyCommand(), newSimCommand())
	return root
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the server and serve the local control surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runKiosk(cmd.Context())
		},
	}
}

func runKiosk(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	a, err := New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}

type verifyOptions struct {
	deviceFile string
	publicKey  string
	keyID      string
}

// verifiedAssertion is the printed form of a verified token; images are summarized.
type verifiedAssertion struct {
	Issuer          string    `json:"issuer"`
	PadLabel        string    `json:"pad_label"`
	SubjectID       string    `json:"subject_id"`
	SubjectName     string    `json:"subject_name"`
	SubjectMail     string    `json:"subject_mail,omitempty"`
	IssuedAt        time.Time `json:"issued_at"`
	SignaturePNGLen int       `json:"signature_png_b64_len"`
	SignatureSVGLen int       `json:"signature_svg_b64_len"`
}

func newVerifyCommand() *cobra.Command {
	var o verifyOptions
	cmd := &cobra.Command{
		Use:   "verify [token|-]",
		Short: "Verify a signed capture token and print its assertion",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			pub, kid, err := o.verificationKey()
			if err != nil {
				return err
			}
			a, err := signing.Verify(token, pub, kid)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(verifiedAssertion{
				Issuer:          a.Issuer,
				PadLabel:        a.PadLabel,
				SubjectID:       a.SubjectID,
				SubjectName:     a.SubjectName,
				SubjectMail:     a.SubjectMail,
				IssuedAt:        a.IssuedAt,
				SignaturePNGLen: len(a.SignaturePNG),
				SignatureSVGLen: len(a.SignatureSVG),
			})
		},
	}
	cmd.Flags().StringVar(&o.deviceFile, "device", EnvString("SIGPAD_DEVICE_FILE", ""), "device file whose key verifies the token")
	cmd.Flags().StringVar(&o.publicKey, "public-key", "", "public key file (JWK or PEM); overrides --device")
	cmd.Flags().StringVar(&o.keyID, "kid", "", "expected key id (defaults to the device key id)")
	return cmd
}

func (o verifyOptions) verificationKey() (crypto.PublicKey, string, error) {
	if strings.TrimSpace(o.publicKey) != "" {
		material, err := os.ReadFile(o.publicKey)
		if err != nil {
			return nil, "", err
		}
		isPEM := strings.HasPrefix(strings.TrimSpace(string(material)), "-----BEGIN")
		k, err := jwk.ParseKey(material, jwk.WithPEM(isPEM))
		if err != nil {
			return nil, "", fmt.Errorf("parse public key: %w", err)
		}
		var raw interface{}
		if err := k.Raw(&raw); err != nil {
			return nil, "", fmt.Errorf("parse public key: %w", err)
		}
		kid := o.keyID
		if kid == "" {
			kid = k.KeyID()
		}
		return raw, kid, nil
	}

	sk, err := loadDeviceKey(o.deviceFile)
	if err != nil {
		return nil, "", err
	}
	kid := o.keyID
	if kid == "" {
		kid = sk.KeyID
	}
	return sk.Public(), kid, nil
}

func newPublicKeyCommand() *cobra.Command {
	var deviceFile string
	cmd := &cobra.Command{
		Use:   "pubkey",
		Short: "Print the device public key as a JWK for registration on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sk, err := loadDeviceKey(deviceFile)
			if err != nil {
				return err
			}
			k, err := jwk.New(sk.Public())
			if err != nil {
				return err
			}
			if err := k.Set(jwk.KeyIDKey, sk.KeyID); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(k)
		},
	}
	cmd.Flags().StringVar(&deviceFile, "device", EnvString("SIGPAD_DEVICE_FILE", ""), "device file")
	return cmd
}

func loadDeviceKey(path string) (*device.SigningKey, error) {
	ident, err := device.Load(path)
	if err != nil {
		return nil, err
	}
	return ident.SigningKey()
}

func readToken(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return strings.TrimSpace(args[0]), nil
	}
	b, err := io.ReadAll(io.LimitReader(stdin, 4<<20))
	if err != nil {
		return "", err
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", errors.New("no token given")
	}
	return tok, nil
}

type simOptions struct {
	addr      string
	directory string
	heartbeat time.Duration
	reject    string
	publicKey string
	logLevel  string
	logFormat string
}

func newSimCommand() *cobra.Command {
	var o simOptions
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run a development server that speaks the pad protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", "127.0.0.1:8080", "listen address")
	f.StringVar(&o.directory, "directory", "", "YAML file with the people the server knows")
	f.DurationVar(&o.heartbeat, "heartbeat", 10*time.Second, "heartbeat frame interval (negative disables)")
	f.StringVar(&o.reject, "reject", "", "reject every signature submission with this text")
	f.StringVar(&o.publicKey, "public-key", "", "verify submitted tokens with this public key (JWK or PEM)")
	f.StringVar(&o.logLevel, "log-level", EnvString("SIGPAD_LOG_LEVEL", "info"), "log level")
	f.StringVar(&o.logFormat, "log-format", EnvString("SIGPAD_LOG_FORMAT", "pretty"), "log format (json|pretty)")
	return cmd
}

func (o simOptions) run(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	log := NewLogger(o.logLevel, o.logFormat)

	dir := padsim.NewDirectory()
	if o.directory != "" {
		d, err := padsim.LoadDirectory(o.directory)
		if err != nil {
			return err
		}
		dir = d
	}

	cfg := padsim.Config{HeartbeatEvery: o.heartbeat, RejectSignatures: o.reject}
	if o.publicKey != "" {
		pub, _, err := verifyOptions{publicKey: o.publicKey}.verificationKey()
		if err != nil {
			return err
		}
		cfg.VerifyKey = pub
	}
	sim := padsim.NewServer(cfg, dir, log)

	srv := &http.Server{
		Addr:              o.addr,
		Handler:           WithRequestLogging(sim.Handler(), log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("padsim.start", "addr", o.addr, "url", runtimeBaseURL(o.addr), "people", dir.Len())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	return srv.Shutdown(shutdownCtx)
}
