// Command server runs the HALE oracle daemon: the chain watcher, the delivery
// pipeline, and the HTTP API in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"haleoracle/internal/audit"
	"haleoracle/internal/authtoken"
	"haleoracle/internal/chainwatch"
	"haleoracle/internal/credential"
	"haleoracle/internal/delivery"
	"haleoracle/internal/judge"
	"haleoracle/internal/lockout"
	"haleoracle/internal/notify"
	"haleoracle/internal/platform/config"
	"haleoracle/internal/platform/httpserver"
	"haleoracle/internal/platform/logger"
	"haleoracle/internal/platform/metrics"
	platformredis "haleoracle/internal/platform/redis"
	"haleoracle/internal/sandbox"
	httptransport "haleoracle/internal/transport/http"
	"haleoracle/pkg/platform/sentinel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	log := logger.New(slog.LevelInfo)
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credential storage: redis when configured, in-process otherwise.
	var credStore credential.Store
	health := map[string]func() error{}

	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
		credStore = credential.NewRedisStore(redisClient.Client)
		health["redis"] = func() error {
			hctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return redisClient.Health(hctx)
		}
		log.Info("credential store: redis")
	} else {
		credStore = credential.NewMemoryStore()
		log.Info("credential store: in-memory")
	}

	directory, err := notify.NewDirectory(cfg.TelegramUsersFile)
	if err != nil {
		return fmt.Errorf("telegram user directory: %w", err)
	}
	sender := notify.NewTelegram(cfg.TelegramBotToken, directory, notify.WithLogger(log))
	if cfg.TelegramBotToken == "" {
		log.Warn("TELEGRAM_BOT_TOKEN not set, notifications disabled")
	}

	verifier := judge.New(cfg.JudgeEndpoint, cfg.JudgeAPIKey,
		judge.WithLogger(log),
		judge.WithTimeout(cfg.JudgeTimeout),
	)
	runner := sandbox.New(sandbox.WithPython(cfg.PythonBin))

	var publisher audit.Publisher = audit.Nop{}
	if cfg.KafkaBrokers != "" {
		kafka, err := audit.NewKafka(strings.Split(cfg.KafkaBrokers, ","), audit.DefaultTopic, log)
		if err != nil {
			return fmt.Errorf("audit stream: %w", err)
		}
		defer kafka.Close()
		publisher = kafka
		log.Info("audit stream: kafka", "topic", audit.DefaultTopic)
	}

	guard := lockout.New()
	pipeline := delivery.NewService(
		delivery.NewMemoryStore(), credStore, guard, verifier, runner, sender, publisher,
		delivery.WithLogger(log),
		delivery.WithMetrics(m),
	)

	g, ctx := errgroup.WithContext(ctx)

	// The chain watcher is optional: without a factory address the API still
	// serves operator-issued codes and submissions.
	var issuer httptransport.CredentialIssuer = disabledIssuer{frontend: cfg.FrontendBaseURL}
	if cfg.FactoryAddress != "" && common.IsHexAddress(cfg.FactoryAddress) {
		chain, err := chainwatch.Dial(ctx, cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("chain rpc %s: %w", cfg.RPCURL, err)
		}
		defer chain.Close()

		watcher := chainwatch.New(chain, common.HexToAddress(cfg.FactoryAddress), credStore, sender,
			cfg.FrontendBaseURL,
			chainwatch.WithLogger(log),
			chainwatch.WithMetrics(m),
			chainwatch.WithPollInterval(cfg.PollInterval),
			chainwatch.WithErrorBackoff(cfg.ErrorBackoff),
		)
		issuer = watcher
		health["chain"] = func() error {
			hctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := chain.BlockNumber(hctx)
			return err
		}
		g.Go(func() error {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("chain watcher: %w", err)
			}
			return nil
		})
	} else {
		log.Warn("FACTORY_CONTRACT_ADDRESS not set, chain watcher disabled")
	}

	tokens := authtoken.New(cfg.AdminSigningKey, "haleoracle")
	if !tokens.Enabled() {
		log.Warn("ADMIN_SIGNING_KEY not set, admin endpoints are open")
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Delivery:  httptransport.NewDeliveryHandler(pipeline, issuer, credStore, log),
		Admin:     httptransport.NewAdminHandler(credStore, tokens, directory, sender, issuer, log),
		Telegram:  httptransport.NewTelegramHandler(directory, cfg.TelegramBotToken, log),
		Logger:    log,
		Health:    health,
		UserCount: directory.Len,
	})

	srv := httpserver.New(cfg.Addr, router)
	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// disabledIssuer stands in for the watcher when no factory is configured.
// Links still render so operator-issued codes remain usable.
type disabledIssuer struct {
	frontend string
}

func (disabledIssuer) EnsureCredential(context.Context, common.Address, common.Address, string) (credential.Record, error) {
	return credential.Record{}, sentinel.ErrUnavailable
}

func (d disabledIssuer) SubmissionLink(rec credential.Record) string {
	return chainwatch.SubmissionLink(d.frontend, rec)
}
