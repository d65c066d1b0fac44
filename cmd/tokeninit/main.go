// Command tokeninit is a minimal operator CLI that seeds the aggregator's
// token file from Dropbox OAuth2 app credentials and a refresh token,
// so the aggregator's Token Manager has a valid cache on first boot. It
// does not implement an interactive OAuth flow; the refresh token must
// already have been obtained out-of-band (e.g. via Dropbox's app console).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/aiforge/aggregator/internal/tokenmanager"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	var (
		appKey       = flag.String("app-key", os.Getenv("DROPBOX_APP_KEY"), "Dropbox app key")
		appSecret    = flag.String("app-secret", os.Getenv("DROPBOX_APP_SECRET"), "Dropbox app secret")
		refreshToken = flag.String("refresh-token", os.Getenv("DROPBOX_REFRESH_TOKEN"), "Dropbox refresh token")
		tokenPath    = flag.String("token-file", "./data/token.json", "path to write the seeded token cache")
	)
	flag.Parse()

	if *appKey == "" || *appSecret == "" || *refreshToken == "" {
		fmt.Fprintln(os.Stderr, "tokeninit: -app-key, -app-secret and -refresh-token (or their env equivalents) are required")
		os.Exit(2)
	}

	mgr, err := tokenmanager.New(tokenmanager.Config{
		AppKey:        *appKey,
		AppSecret:     *appSecret,
		RefreshToken:  *refreshToken,
		AutoRefresh:   true,
		TokenFilePath: *tokenPath,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct token manager")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := mgr.Refresh(ctx); err != nil {
		log.Fatal().Err(err).Msg("❌ initial token refresh failed")
	}

	log.Info().Str("token_file", *tokenPath).Msg("✅ token file seeded")
}
