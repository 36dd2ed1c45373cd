// Package config loads engine configuration from the environment. Every
// tuning value the sweeps depend on lives here so operators can adjust it
// without a rebuild.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port    string
	DataDir string
	NATSUrl string

	// EncryptionKey protects OAuth token pairs at rest.
	EncryptionKey string

	// JWKSURL verifies JWTs on the admin HTTP surface. Empty disables auth
	// (local development).
	JWKSURL string

	GoogleClientID        string
	GoogleClientSecret    string
	MicrosoftClientID     string
	MicrosoftClientSecret string

	// GmailPubSubTopic is the Cloud Pub/Sub topic Gmail watch notifications
	// are delivered to.
	GmailPubSubTopic string
	// GraphNotificationURL is the webhook Microsoft Graph subscriptions post to.
	GraphNotificationURL string

	SyncInterval     time.Duration // account sync sweep period
	WatchInterval    time.Duration // push-subscription renewal sweep period
	RecoveryInterval time.Duration // error-recovery sweep period
	HealthInterval   time.Duration // health/metrics sweep period

	MinSyncInterval  time.Duration // an account is due once this much has passed
	AccountDelay     time.Duration // pause between accounts in one sweep
	SyncBatchSize    int           // accounts per sync sweep tick
	FetchLimit       int64         // messages per initial fetch
	StuckThreshold   time.Duration // processing lock older than this is reclaimed
	RecoveryCooldown time.Duration // error accounts wait this long before re-arm
	TransientRetries int           // in-tick retries for transient provider errors

	// TokenRefreshBuffer refreshes access tokens this long before expiry.
	TokenRefreshBuffer time.Duration
}

func Load() Config {
	cfg := Config{
		Port:                  envStr("PORT", "8080"),
		DataDir:               envStr("DATA_DIR", "data"),
		NATSUrl:               envStr("NATS_URL", "nats://localhost:4222"),
		EncryptionKey:         os.Getenv("TOKEN_ENCRYPTION_KEY"),
		JWKSURL:               os.Getenv("JWKS_URL"),
		GoogleClientID:        os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:    os.Getenv("GOOGLE_CLIENT_SECRET"),
		MicrosoftClientID:     os.Getenv("MICROSOFT_CLIENT_ID"),
		MicrosoftClientSecret: os.Getenv("MICROSOFT_CLIENT_SECRET"),
		GmailPubSubTopic:      os.Getenv("GMAIL_PUBSUB_TOPIC"),
		GraphNotificationURL:  os.Getenv("GRAPH_NOTIFICATION_URL"),
		SyncInterval:          envDur("SYNC_INTERVAL", 2*time.Minute),
		WatchInterval:         envDur("WATCH_INTERVAL", 30*time.Minute),
		RecoveryInterval:      envDur("RECOVERY_INTERVAL", 10*time.Minute),
		HealthInterval:        envDur("HEALTH_INTERVAL", 5*time.Minute),
		MinSyncInterval:       envDur("MIN_SYNC_INTERVAL", 2*time.Minute),
		AccountDelay:          envDur("ACCOUNT_DELAY", 2*time.Second),
		SyncBatchSize:         envInt("SYNC_BATCH_SIZE", 5),
		FetchLimit:            int64(envInt("FETCH_LIMIT", 100)),
		StuckThreshold:        envDur("STUCK_THRESHOLD", 30*time.Minute),
		RecoveryCooldown:      envDur("RECOVERY_COOLDOWN", 15*time.Minute),
		TransientRetries:      envInt("TRANSIENT_RETRIES", 3),
		TokenRefreshBuffer:    envDur("TOKEN_REFRESH_BUFFER", 5*time.Minute),
	}
	return cfg
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
