package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kokukuma/mdoc-disclosure/internal/server"
	"github.com/kokukuma/mdoc-disclosure/pkg/pki"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mdoc-verifier",
		Short: "Verifier service for selectively disclosed mobile documents",
	}
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newGenPKICmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// flagOrEnv returns the flag value when it was set explicitly, otherwise
// the environment variable, otherwise the flag default.
func flagOrEnv(cmd *cobra.Command, name, env string) string {
	value, _ := cmd.Flags().GetString(name)
	if cmd.Flags().Changed(name) {
		return value
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return value
}

func newServeCmd() *cobra.Command {
	var (
		allowNotYetValid bool
		sessionTTL       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the verifier HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(flagOrEnv(cmd, "log-level", "MDOC_LOG_LEVEL"), flagOrEnv(cmd, "log-format", "MDOC_LOG_FORMAT"))
			if err != nil {
				return err
			}

			roots, err := server.NewDirRoots(flagOrEnv(cmd, "roots", "MDOC_ROOTS"))
			if err != nil {
				return fmt.Errorf("failed to load trust anchors: %w", err)
			}

			addr := flagOrEnv(cmd, "addr", "MDOC_ADDR")
			baseURL := flagOrEnv(cmd, "base-url", "MDOC_BASE_URL")
			if baseURL == "" {
				baseURL = "http://localhost" + addr
			}
			requestSigner, err := loadRequestSigner(flagOrEnv(cmd, "request-key", "MDOC_REQUEST_KEY"), flagOrEnv(cmd, "request-cert", "MDOC_REQUEST_CERT"))
			if err != nil {
				return err
			}

			sessions := server.NewSessions(sessionTTL)
			srv, err := server.NewServer(server.Config{
				ClientID:         flagOrEnv(cmd, "client-id", "MDOC_CLIENT_ID"),
				BaseURL:          baseURL,
				Request:          server.DefaultRequest(),
				AllowNotYetValid: allowNotYetValid,
				RequestSigner:    requestSigner,
			}, sessions, roots, log)
			if err != nil {
				return err
			}

			return serve(cmd.Context(), addr, srv, sessions, sessionTTL, log)
		},
	}

	cmd.Flags().String("addr", ":8080", "listen address (env MDOC_ADDR)")
	cmd.Flags().String("roots", "pki", "directory of trusted root certificates (env MDOC_ROOTS)")
	cmd.Flags().String("client-id", "verifier.localhost", "verifier client identifier (env MDOC_CLIENT_ID)")
	cmd.Flags().String("base-url", "", "externally visible base url (env MDOC_BASE_URL)")
	cmd.Flags().String("log-level", "info", "log level (env MDOC_LOG_LEVEL)")
	cmd.Flags().String("log-format", "text", "log format, text or json (env MDOC_LOG_FORMAT)")
	cmd.Flags().String("request-key", "", "EC private key signing request objects (env MDOC_REQUEST_KEY)")
	cmd.Flags().String("request-cert", "", "certificate chain of the request key (env MDOC_REQUEST_CERT)")
	cmd.Flags().BoolVar(&allowNotYetValid, "allow-not-yet-valid", false, "accept credentials whose validity has not started")
	cmd.Flags().DurationVar(&sessionTTL, "session-ttl", 5*time.Minute, "lifetime of an unanswered session")
	return cmd
}

// loadRequestSigner returns nil when no key is configured.
func loadRequestSigner(keyPath, certPath string) (*server.RequestSigner, error) {
	if keyPath == "" {
		return nil, nil
	}
	key, err := pki.LoadECDSAPrivateKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load request key: %w", err)
	}
	chain, err := pki.LoadCertificateChain(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load request certificate: %w", err)
	}
	return &server.RequestSigner{Key: key, Chain: chain}, nil
}

func newLogger(level, format string) (*logrus.Entry, error) {
	logger := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(lvl)
	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
	default:
		return nil, fmt.Errorf("unknown log format: %q", format)
	}
	return logrus.NewEntry(logger).WithField("service", "mdoc-verifier"), nil
}

func serve(ctx context.Context, addr string, srv *server.Server, sessions *server.Sessions, ttl time.Duration, log *logrus.Entry) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	accessLog := log.WithField("component", "http").Writer()
	defer accessLog.Close()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handlers.LoggingHandler(accessLog, srv.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if ttl > 0 {
		go expireSessions(ctx, sessions, ttl, log)
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("starting verifier server")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func expireSessions(ctx context.Context, sessions *server.Sessions, ttl time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Expire(); n > 0 {
				log.WithField("sessions", n).Debug("expired sessions")
			}
		}
	}
}

func newGenPKICmd() *cobra.Command {
	var (
		out  string
		name string
		days int
	)

	cmd := &cobra.Command{
		Use:   "gen-pki",
		Short: "Generate a development issuer root and document signer",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			chain, err := pki.GenerateIssuerChain(
				pki.WithCommonName(name),
				pki.WithValidity(now.Add(-time.Hour), now.AddDate(0, 0, days)),
			)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(out, 0o755); err != nil {
				return err
			}
			for _, f := range []struct {
				path  string
				write func(string) error
			}{
				{"root.pem", func(p string) error { return pki.WriteCertificatePEM(chain.Root, p) }},
				{"signer.pem", func(p string) error { return pki.WriteCertificatePEM(chain.Signer, p) }},
				{"signer.key", func(p string) error { return pki.WritePrivateKeyPEM(chain.SignerKey, p) }},
			} {
				path := filepath.Join(out, f.path)
				if err := f.write(path); err != nil {
					return fmt.Errorf("failed to write %s: %w", path, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "pki", "output directory")
	cmd.Flags().StringVar(&name, "name", "mdoc-disclosure dev", "certificate common name")
	cmd.Flags().IntVar(&days, "days", 365, "validity in days")
	return cmd
}
