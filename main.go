package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/thanoskit/tokenbroker/internal/assertion"
	"github.com/thanoskit/tokenbroker/internal/audit"
	"github.com/thanoskit/tokenbroker/internal/broker"
	"github.com/thanoskit/tokenbroker/internal/cache"
	"github.com/thanoskit/tokenbroker/internal/config"
	"github.com/thanoskit/tokenbroker/internal/credential"
	"github.com/thanoskit/tokenbroker/internal/observe"
	"github.com/thanoskit/tokenbroker/internal/shutdown"
	"github.com/thanoskit/tokenbroker/internal/signature"
	"github.com/thanoskit/tokenbroker/internal/transport"
)

const usage = `usage: tokenbroker [command]

commands:
  token                        print an access token (default)
  clear                        remove every cached token
  sign <payload>               print the signature of a JSON payload
  verify <signature> <payload> check a signature against a JSON payload
`

// shutdownTimeout bounds how long exporters and stores get to flush on exit.
const shutdownTimeout = 10 * time.Second

var errUsage = errors.New("invalid arguments")

func main() {
	configureLogging()

	logBuildInfo()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout)
	if errors.Is(err, errUsage) {
		fmt.Fprintf(os.Stderr, "%v\n\n%s", err, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Msg("tokenbroker failed")
		os.Exit(1)
	}
}

// run executes a single command and writes its result to out.
func run(ctx context.Context, args []string, out io.Writer) (err error) {
	command := "token"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	cred, err := cfg.Credentials.Credential()
	if err != nil {
		return fmt.Errorf("credential configuration failed: %w", err)
	}

	// signing needs nothing beyond the credential
	switch command {
	case "sign":
		return sign(cred, args, out)
	case "verify":
		return verify(cred, args, out)
	case "token", "clear":
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}

	hooks := &shutdown.Hooks{}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, hooks.Execute(shutdownCtx))
	}()

	b, err := configureBroker(ctx, cfg, cred, hooks)
	if err != nil {
		return err
	}

	switch command {
	case "clear":
		if err := b.Clear(ctx); err != nil {
			return fmt.Errorf("cache clear failed: %w", err)
		}
		log.Info().Msg("token cache cleared")
		return nil
	default:
		token, err := b.AccessToken(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, token)
		return err
	}
}

func configureBroker(ctx context.Context, cfg config.Config, cred credential.Config, hooks *shutdown.Hooks) (*broker.Broker, error) {
	// configure telemetry, including wrapping the token HTTP transport
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return nil, fmt.Errorf("telemetry bootstrap failed: %w", err)
	}
	hooks.AddContext("telemetry", shutdownTelemetry)

	store, err := cache.NewFromConfig(ctx, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("token cache configuration failed: %w", err)
	}

	tokens := cache.NewTokenCache[string](store,
		cache.WithDefaultTTL(cfg.Cache.TTL),
		cache.WithSingleFlight(cfg.Cache.SingleFlight),
	)
	hooks.AddCloser("token-cache", tokens)

	client := transport.New(cred,
		transport.WithTimeout(cfg.Transport.Timeout),
		transport.WithBaseTransport(configureHTTPTransport()),
		transport.WithRoundTripperWrapper(func(rt http.RoundTripper) http.RoundTripper {
			return observe.HTTPTransport(rt, cfg.Observe)
		}),
	)

	opts := []broker.Option{
		broker.WithRetry(cfg.Broker.RetryAttempts, cfg.Broker.RetryInterval),
		broker.WithTTL(cfg.Cache.TTL),
		broker.WithEndpoints(cfg.Endpoints.Endpoints()),
		broker.WithInsecureSandbox(cfg.Transport.InsecureSandbox),
	}

	if arn := cred.SigningKeyARN(); arn != "" {
		key, err := assertion.NewKMSSigningKey(ctx, arn)
		if err != nil {
			return nil, fmt.Errorf("signing key configuration failed: %w", err)
		}
		opts = append(opts, broker.WithSigningKey(key))
	}

	b, err := broker.New(cred, client, tokens, opts...)
	if err != nil {
		return nil, fmt.Errorf("broker configuration failed: %w", err)
	}

	return b, nil
}

func sign(cred credential.Config, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: sign takes exactly one payload", errUsage)
	}
	if cred.Flow() != credential.FlowClientCredentials {
		return fmt.Errorf("signing requires the %s flow", credential.FlowClientCredentials)
	}

	sig := signature.NewSigner(cred.ClientSecret()).Sign(args[0])
	if sig == "" {
		return errors.New("payload is empty or not valid JSON")
	}

	_, err := fmt.Fprintln(out, sig)
	return err
}

func verify(cred credential.Config, args []string, out io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: verify takes a signature and a payload", errUsage)
	}
	if cred.Flow() != credential.FlowClientCredentials {
		return fmt.Errorf("verification requires the %s flow", credential.FlowClientCredentials)
	}

	if !signature.NewSigner(cred.ClientSecret()).Verify(args[0], args[1]) {
		return errors.New("signature does not match payload")
	}

	_, err := fmt.Fprintln(out, "valid")
	return err
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))
	zerolog.LevelFieldMarshalFunc = audit.LevelFieldMarshalFunc

	level := zerolog.InfoLevel
	if configured, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && configured != zerolog.NoLevel {
		level = configured
	}

	// stdout is reserved for command output
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Debug()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()

	// a single invocation talks to one token endpoint
	t.MaxIdleConns = 2
	t.MaxConnsPerHost = 2

	return t
}
