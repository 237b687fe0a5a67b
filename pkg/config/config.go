// Package config loads engine configuration from the environment and
// optionally watches the env file for changes so deployments can adjust the
// tracked product set without a restart.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/storesync/entitlements/pkg/entitlement"
)

// Environment variable names.
const (
	EnvProductIDs        = "ENTITLEMENTS_PRODUCT_IDS"
	EnvNonRenewingWindow = "ENTITLEMENTS_NONRENEWING_WINDOW"
	EnvStorefrontURL     = "ENTITLEMENTS_STOREFRONT_URL"
	EnvStorefrontKey     = "ENTITLEMENTS_STOREFRONT_KEY"
	EnvPublicKey         = "ENTITLEMENTS_PUBLIC_KEY"
	EnvLedgerPath        = "ENTITLEMENTS_LEDGER_PATH"
	EnvEventBuffer       = "ENTITLEMENTS_EVENT_BUFFER"
)

// Config is the immutable engine configuration, passed explicitly at
// construction. There is no ambient global config.
type Config struct {
	// ProductIDs is the catalog set this deployment tracks.
	ProductIDs []string

	// NonRenewingValidityWindow feeds entitlement.ReconcileConfig.
	NonRenewingValidityWindow time.Duration

	// StorefrontURL and StorefrontKey configure the remote storefront client.
	StorefrontURL string
	StorefrontKey string

	// PublicKey verifies signed transaction envelopes.
	PublicKey ed25519.PublicKey

	// LedgerPath is the SQLite transaction ledger location.
	LedgerPath string

	// EventBufferSize is the per-subscriber event queue depth.
	EventBufferSize int
}

// ReconcileConfig derives the reconciler policy knobs.
func (c Config) ReconcileConfig() entitlement.ReconcileConfig {
	return entitlement.ReconcileConfig{NonRenewingValidityWindow: c.NonRenewingValidityWindow}
}

// FromEnv builds a Config from the environment, loading envPath first when
// it exists (a missing file is not an error, matching dotenv conventions).
func FromEnv(envPath string) (Config, error) {
	if envPath != "" {
		if err := godotenv.Overload(envPath); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load env file %s: %w", envPath, err)
		}
	}

	cfg := Config{
		NonRenewingValidityWindow: entitlement.DefaultNonRenewingValidityWindow,
		StorefrontURL:             os.Getenv(EnvStorefrontURL),
		StorefrontKey:             os.Getenv(EnvStorefrontKey),
		LedgerPath:                os.Getenv(EnvLedgerPath),
	}

	if raw := os.Getenv(EnvProductIDs); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.ProductIDs = append(cfg.ProductIDs, id)
			}
		}
	}

	if raw := os.Getenv(EnvNonRenewingWindow); raw != "" {
		window, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", EnvNonRenewingWindow, err)
		}
		if window <= 0 {
			return Config{}, fmt.Errorf("%s must be positive, got %s", EnvNonRenewingWindow, window)
		}
		cfg.NonRenewingValidityWindow = window
	}

	if raw := os.Getenv(EnvPublicKey); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", EnvPublicKey, err)
		}
		if len(key) != ed25519.PublicKeySize {
			return Config{}, fmt.Errorf("%s must be %d bytes, got %d", EnvPublicKey, ed25519.PublicKeySize, len(key))
		}
		cfg.PublicKey = ed25519.PublicKey(key)
	}

	if raw := os.Getenv(EnvEventBuffer); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", EnvEventBuffer, err)
		}
		cfg.EventBufferSize = size
	}

	log.Debug().
		Strs("productIds", cfg.ProductIDs).
		Dur("nonRenewingWindow", cfg.NonRenewingValidityWindow).
		Msg("configuration loaded")
	return cfg, nil
}
