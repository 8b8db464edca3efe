package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dvance/mailroost/internal/config"
	"github.com/dvance/mailroost/internal/crypto"
	"github.com/dvance/mailroost/internal/db"
	"github.com/dvance/mailroost/internal/events"
	imapgw "github.com/dvance/mailroost/internal/imap"
	"github.com/dvance/mailroost/internal/ingest"
	"github.com/dvance/mailroost/internal/queue"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseConnection(pool)

	log.Printf("Successfully connected to database")

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		log.Fatalf("Failed to create encryptor: %v", err)
	}

	policy := ingest.DefaultPolicy()
	policy.SingletonThreads = cfg.SingletonThreads
	if cfg.NoReplyPatterns != nil {
		policy.NoReplyPatterns = cfg.NoReplyPatterns
	}

	hub := events.NewHub(10)
	gateway := imapgw.NewGateway()
	coordinator := ingest.NewCoordinator(pool, gateway, policy)

	worker := queue.New(pool, coordinator, encryptor, hub, cfg)
	worker.Start(ctx)
	defer worker.Stop()

	startMailboxWatchers(ctx, pool, encryptor, cfg, worker)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: newHandler(pool, hub),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("mailroost server starting on %s (environment: %s)", server.Addr, cfg.Environment)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}

// newHandler builds the HTTP surface: a health probe and the sync event
// stream.
func newHandler(pool *pgxpool.Pool, hub *events.Hub) http.Handler {
	wsHandler := events.NewHandler(pool, hub)

	mux := http.NewServeMux()
	mux.HandleFunc("/", handleRoot)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/api/v1/ws", http.HandlerFunc(wsHandler.Handle))

	return mux
}

// startMailboxWatchers launches one IDLE watcher per stored account so new
// mail triggers an incremental sync without waiting for a poll.
func startMailboxWatchers(ctx context.Context, pool *pgxpool.Pool, encryptor *crypto.Encryptor, cfg *config.Config, trigger imapgw.SyncTrigger) {
	accounts, err := db.ListAccounts(ctx, pool)
	if err != nil {
		log.Printf("Warning: failed to list accounts for mailbox watchers: %v", err)
		return
	}

	for _, account := range accounts {
		password, err := encryptor.Decrypt(account.EncryptedIMAPPassword)
		if err != nil {
			log.Printf("Warning: skipping watcher for account %s: %v", account.ID, err)
			continue
		}

		mailbox := imapgw.Mailbox{
			Host:           account.IMAPHost,
			Port:           account.IMAPPort,
			Username:       account.IMAPUsername,
			Password:       password,
			UseTLS:         account.UseTLS,
			ConnectTimeout: cfg.ConnectTimeout,
		}

		go imapgw.WatchMailbox(ctx, account.ID, mailbox, trigger)
	}

	log.Printf("Started mailbox watchers for %d accounts", len(accounts))
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "mailroost is running")
}
