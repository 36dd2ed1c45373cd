package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/bavit-uk/backend-sub003/internal/auth"
	"github.com/bavit-uk/backend-sub003/internal/config"
	"github.com/bavit-uk/backend-sub003/internal/crypto"
	"github.com/bavit-uk/backend-sub003/internal/mailsync"
	"github.com/bavit-uk/backend-sub003/internal/models"
	natsjs "github.com/bavit-uk/backend-sub003/internal/nats"
	"github.com/bavit-uk/backend-sub003/internal/providers/gmail"
	"github.com/bavit-uk/backend-sub003/internal/providers/outlook"
	"github.com/bavit-uk/backend-sub003/internal/scheduler"
	"github.com/bavit-uk/backend-sub003/internal/store"
	"github.com/bavit-uk/backend-sub003/internal/vault"
)

type LinkAccountRequest struct {
	Address      string `json:"address" binding:"required,email"`
	Provider     string `json:"provider" binding:"required"`
	AccessToken  string `json:"accessToken" binding:"required"`
	RefreshToken string `json:"refreshToken" binding:"required"`
	ExpiresAt    int64  `json:"expiresAt" binding:"required"`
}

func main() {
	cfg := config.Load()

	if cfg.EncryptionKey == "" {
		log.Fatal("TOKEN_ENCRYPTION_KEY is required")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatal(err)
	}

	cryptoSvc, err := crypto.New(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize token encryption: %v", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "mailsync.db"))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	publisher, err := natsjs.NewPublisher(cfg.NATSUrl)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer publisher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := publisher.EnsureStream(ctx); err != nil {
		log.Fatalf("Failed to ensure NATS stream: %v", err)
	}

	oauthConfigs := map[models.Provider]*oauth2.Config{
		models.ProviderGmail: {
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/gmail.readonly"},
		},
		models.ProviderOutlook: {
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftClientSecret,
			Endpoint:     microsoft.AzureADEndpoint("common"),
			Scopes:       []string{"https://graph.microsoft.com/Mail.Read", "offline_access"},
		},
	}

	tokenVault := vault.New(st, cryptoSvc, oauthConfigs, cfg.TokenRefreshBuffer)

	factory := func(ctx context.Context, accessToken string, account *models.Account) (mailsync.MailProvider, error) {
		switch account.Provider {
		case models.ProviderGmail:
			return gmail.New(ctx, accessToken, cfg.GmailPubSubTopic)
		case models.ProviderOutlook:
			return outlook.New(ctx, accessToken, account.Address, cfg.GraphNotificationURL)
		default:
			return nil, fmt.Errorf("no adapter for provider %s", account.Provider)
		}
	}

	orchestrator := mailsync.NewOrchestrator(st, tokenVault, publisher, factory, cfg)

	sched := scheduler.New(
		scheduler.Job{Name: "sync", Interval: cfg.SyncInterval, Run: orchestrator.RunSyncSweep, RunAtStart: true},
		scheduler.Job{Name: "watch", Interval: cfg.WatchInterval, Run: orchestrator.RunWatchSweep},
		scheduler.Job{Name: "recovery", Interval: cfg.RecoveryInterval, Run: orchestrator.RunRecoverySweep},
		scheduler.Job{Name: "health", Interval: cfg.HealthInterval, Run: orchestrator.RunHealthSweep},
	)
	sched.Start(ctx)
	defer sched.Stop()

	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		counts, err := st.StatusCounts(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "accounts": counts})
	})

	api := r.Group("/")
	if cfg.JWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(cfg.JWKSURL)
		if err != nil {
			log.Fatalf("Failed to initialize JWT verifier: %v", err)
		}
		api.Use(auth.Middleware(verifier))
	} else {
		log.Printf("JWKS_URL not set, API authentication disabled")
	}

	// Link a mailbox. Tokens are encrypted before they touch the database.
	api.POST("/accounts", func(c *gin.Context) {
		var req LinkAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		provider := models.Provider(req.Provider)
		if provider != models.ProviderGmail && provider != models.ProviderOutlook {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
			return
		}

		existing, err := st.GetAccountByAddress(c.Request.Context(), req.Address)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if existing != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "account already linked"})
			return
		}

		accessEnc, err := cryptoSvc.Encrypt(req.AccessToken)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to protect tokens"})
			return
		}
		refreshEnc, err := cryptoSvc.Encrypt(req.RefreshToken)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to protect tokens"})
			return
		}

		account := &models.Account{
			ID:              uuid.NewString(),
			Address:         req.Address,
			Provider:        provider,
			AccessTokenEnc:  accessEnc,
			RefreshTokenEnc: refreshEnc,
			TokenExpiry:     time.Unix(req.ExpiresAt, 0),
			IsActive:        true,
		}

		if err := st.CreateAccount(c.Request.Context(), account); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		log.Printf("Linked %s account %s (%s)", provider, account.ID, account.Address)
		c.JSON(http.StatusCreated, account)
	})

	api.GET("/accounts", func(c *gin.Context) {
		accounts, err := st.ListAccounts(c.Request.Context(), false)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, accounts)
	})

	// Unlinking deactivates the account; history is kept.
	api.DELETE("/accounts/:id", func(c *gin.Context) {
		id := c.Param("id")
		account, err := st.GetAccount(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if account == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		if err := st.SetAccountActive(c.Request.Context(), id, false); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
	})

	api.GET("/accounts/:id/sync-state", func(c *gin.Context) {
		account, err := st.GetAccount(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if account == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusOK, account.SyncState)
	})

	// Manual trigger for one account, or a full sweep when id is "all".
	api.POST("/accounts/:id/sync", func(c *gin.Context) {
		id := c.Param("id")
		if id == "all" {
			id = ""
		}
		if err := orchestrator.TriggerManualSync(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "sync started"})
	})

	api.GET("/accounts/:id/threads", func(c *gin.Context) {
		filter := store.ThreadFilter{
			Folder:     c.Query("folder"),
			UnreadOnly: c.Query("unread") == "true",
			Limit:      queryInt(c, "limit", 50),
			Offset:     queryInt(c, "offset", 0),
		}
		threads, err := st.ListThreads(c.Request.Context(), c.Param("id"), filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, threads)
	})

	// Full message bodies are fetched from the provider on demand.
	api.GET("/accounts/:id/threads/:key/messages", func(c *gin.Context) {
		msgs, err := orchestrator.ThreadMessages(c.Request.Context(), c.Param("id"), c.Param("key"))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, msgs)
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	go func() {
		log.Printf("Listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}
