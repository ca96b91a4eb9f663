// Command ssogate runs the SSO gateway: the sign-on endpoints against the
// configured identity authority, and the bearer-gated tool surface over
// either a downstream MCP server or the built-in demo tool set.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"ssogate/audit"
	"ssogate/authz"
	"ssogate/credstore"
	"ssogate/credstore/memory"
	credredis "ssogate/credstore/redis"
	"ssogate/flow"
	"ssogate/gateway"
	"ssogate/identity"
	"ssogate/internal/jwtauth"
	"ssogate/internal/logctx"
	"ssogate/registry"
	"ssogate/registry/mcpproxy"
	"ssogate/weathertools"
)

const version = "0.1.0"

type config struct {
	// ListenAddr is the HTTP bind address. ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`

	// Issuer is the identity authority's issuer URL. ENV: OIDC_ISSUER
	Issuer string `env:"OIDC_ISSUER,required"`
	// ClientID of the confidential client registration. ENV: OIDC_CLIENT_ID
	ClientID string `env:"OIDC_CLIENT_ID,required"`
	// ClientSecret of the registration. ENV: OIDC_CLIENT_SECRET
	ClientSecret string `env:"OIDC_CLIENT_SECRET,required"`
	// RedirectURI must match the registration's callback. ENV: OIDC_REDIRECT_URI
	RedirectURI string `env:"OIDC_REDIRECT_URI,required"`
	// Scopes requested at sign-on, space separated. ENV: OIDC_SCOPES
	Scopes string `env:"OIDC_SCOPES,default=openid profile offline_access"`
	// Audience expected in bearer tokens; defaults to the client ID.
	// ENV: OIDC_AUDIENCE
	Audience string `env:"OIDC_AUDIENCE,default="`

	// StoreBackend selects "memory" or "redis". ENV: CRED_STORE
	StoreBackend string `env:"CRED_STORE,default=memory"`

	// RoleMappingFile, when set, is a JSON grant table watched for changes.
	// ENV: ROLE_MAPPING_FILE
	RoleMappingFile string `env:"ROLE_MAPPING_FILE,default="`

	// MCPCommand, when set, is a command line to spawn a downstream MCP
	// server over stdio; its tools replace the demo set. ENV: MCP_COMMAND
	MCPCommand string `env:"MCP_COMMAND,default="`

	// Realm advertised in Bearer challenges. ENV: AUTH_REALM
	Realm string `env:"AUTH_REALM,default=ssogate"`

	// LogLevel is debug, info, warn, or error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg.StoreBackend)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	idc, err := identity.New(ctx, identity.Config{
		Issuer:       cfg.Issuer,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		Scopes:       strings.Fields(cfg.Scopes),
	})
	if err != nil {
		return fmt.Errorf("identity client: %w", err)
	}

	audience := cfg.Audience
	if audience == "" {
		audience = cfg.ClientID
	}
	authnCfg := jwtauth.DefaultConfig()
	authnCfg.Issuer = cfg.Issuer
	authnCfg.ExpectedAudiences = []string{audience}
	authn, err := jwtauth.NewFromDiscovery(ctx, authnCfg)
	if err != nil {
		return fmt.Errorf("token verifier: %w", err)
	}

	roles := authz.DefaultMapping()
	if cfg.RoleMappingFile != "" {
		if err := roles.WatchFile(ctx, cfg.RoleMappingFile, log); err != nil {
			return fmt.Errorf("role mapping: %w", err)
		}
	}
	enforcer := authz.NewEnforcer(authn, roles, audit.NewLogger(log.Handler()))

	tools, err := newRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}

	flows := flow.NewController(idc, store, log, flow.Options{})
	handler := gateway.New(flows, enforcer, tools, store, log, gateway.WithRealm(cfg.Realm))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logctx.Handler{Handler: h})
}

func newStore(ctx context.Context, backend string) (credstore.Store, error) {
	switch backend {
	case "redis":
		store, err := credredis.NewFromEnv(ctx)
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		return store, nil
	case "memory":
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown CRED_STORE %q (want memory or redis)", backend)
}

func newRegistry(ctx context.Context, cfg config, log *slog.Logger) (registry.ToolRegistry, error) {
	if cfg.MCPCommand == "" {
		log.Info("serving built-in demo tools")
		return weathertools.NewService().Registry(), nil
	}

	parts := strings.Fields(cfg.MCPCommand)
	if len(parts) == 0 {
		return nil, fmt.Errorf("MCP_COMMAND is blank")
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	reg, err := mcpproxy.Connect(ctx, &mcp.CommandTransport{Command: cmd}, "ssogate", version)
	if err != nil {
		return nil, fmt.Errorf("downstream mcp server: %w", err)
	}
	log.Info("proxying downstream mcp server", slog.String("command", parts[0]))
	return reg, nil
}
