// Command sunlink runs the device-facing SunLink server and its
// maintenance subcommands.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HerbHall/sunlink/internal/auth"
	"github.com/HerbHall/sunlink/internal/protocol"
	"github.com/HerbHall/sunlink/internal/server"
	"github.com/HerbHall/sunlink/internal/version"
	"github.com/HerbHall/sunlink/internal/ws"
	"go.uber.org/zap"
)

const usage = `usage: sunlink [command] [flags]

commands:
  serve                 run the server (default)
  version               print build information
  token                 mint an operator access token
  config import <file>  import gateway configs from YAML
  purge                 delete telemetry past its retention period
  migrate               apply database migrations and exit
  replay                re-send readings the InfluxDB mirror failed to write
`

func main() {
	// Subcommand dispatch (before flag parsing).
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "version":
		fmt.Println(version.Info())
	case "token":
		err = runToken(args)
	case "config":
		err = runConfig(args)
	case "purge":
		err = runPurge(args)
	case "migrate":
		err = runMigrate(args)
	case "replay":
		err = runReplay(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sunlink %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	showVersion := fs.Bool("version", false, "print version information and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println(version.Info())
		return nil
	}

	a, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	srvCfg, err := server.ServerConfig(a.v)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.reg.StartAll(ctx); err != nil {
		return fmt.Errorf("start plugins: %w", err)
	}

	tokens, err := operatorTokens(a, true)
	if err != nil {
		return err
	}

	wsHandler := ws.NewHandler(tokens, a.bus, logger.Named("ws"))
	defer wsHandler.Close()
	logger.Info("websocket handler initialized", zap.String("component", "ws"))

	proto, ok := find[*protocol.Module](a)
	if !ok {
		return fmt.Errorf("device protocol plugin not registered")
	}

	readyCheck := server.ReadinessChecker(func(ctx context.Context) error {
		return a.db.DB().PingContext(ctx)
	})
	srv := server.New(srvCfg, a.reg, logger, readyCheck, auth.NewRegistrar(tokens), proto, wsHandler)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("SunLink server ready", zap.String("addr", srvCfg.Addr()))

	// Wait for shutdown signal or a listener failure.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	// Graceful shutdown: stop taking requests, then stop plugins.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	a.reg.StopAll(shutdownCtx)
	a.bus.Wait()

	logger.Info("SunLink server stopped")
	return nil
}

// operatorTokens builds the operator token service. When serving without a
// configured secret an ephemeral one is generated; tokens then do not
// survive restarts. Minting tokens offline requires a configured secret.
func operatorTokens(a *app, allowEphemeral bool) (*auth.TokenService, error) {
	secret := a.v.GetString("auth.jwt_secret")
	if secret == "" {
		if !allowEphemeral {
			return nil, fmt.Errorf("auth.jwt_secret is not set; a token signed with a random key would be rejected by the server")
		}
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate JWT secret: %w", err)
		}
		secret = hex.EncodeToString(b)
		a.logger.Warn("using auto-generated JWT secret; set auth.jwt_secret to keep operator sessions across restarts",
			zap.String("component", "auth"),
		)
	}

	ttl := a.v.GetDuration("auth.access_token_ttl")
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	a.logger.Info("operator auth initialized",
		zap.String("component", "auth"),
		zap.Duration("access_token_ttl", ttl),
	)
	return auth.NewTokenService([]byte(secret), ttl, a.v.GetString("auth.issuer")), nil
}
