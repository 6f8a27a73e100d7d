package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sort"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"tg-mailing-bot/internal/adapters/mtproto"
	"tg-mailing-bot/internal/adapters/repo"
	"tg-mailing-bot/internal/infra/config"
	"tg-mailing-bot/internal/infra/db"
	applog "tg-mailing-bot/internal/infra/log"
	"tg-mailing-bot/internal/infra/metrics"
	"tg-mailing-bot/internal/usecase/mailing"
	"tg-mailing-bot/internal/usecase/transportpool"
)

func main() {
	var accountID int64
	flag.Int64Var(&accountID, "account", 0, "Sync only this account id")
	flag.Parse()

	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, cfg.LogLevel)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("destinations-sync: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	transports := transportpool.New(
		mtproto.NewConnector(repoAdapter, cfg.Telegram.APIID, cfg.Telegram.APIHash, applog.Component(logger, "mtproto")),
		transportpool.Options{OpenTimeout: cfg.MTProto.ConnectTimeout, GlobalRPS: cfg.MTProto.GlobalRPS},
		applog.Component(logger, "transportpool"),
	)
	defer transports.CloseAll()

	directory := mailing.NewDirectory(repoAdapter, repoAdapter, transports, applog.Component(logger, "directory"))

	if accountID != 0 {
		n, err := directory.SyncAccount(ctx, accountID)
		if err != nil {
			logger.Fatal().Err(err).Int64("account", accountID).Msg("destinations-sync: синхронизация не удалась")
		}
		fmt.Printf("account %d: %d destinations\n", accountID, n)
		return
	}

	synced, err := directory.SyncAll(ctx)
	ids := make([]int64, 0, len(synced))
	for id := range synced {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fmt.Printf("account %d: %d destinations\n", id, synced[id])
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("destinations-sync: часть аккаунтов не синхронизирована")
	}
}
