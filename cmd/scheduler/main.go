package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-mailing-bot/internal/adapters/httpapi"
	"tg-mailing-bot/internal/adapters/mtproto"
	"tg-mailing-bot/internal/adapters/repo"
	"tg-mailing-bot/internal/adapters/telegram"
	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/infra/cache"
	"tg-mailing-bot/internal/infra/config"
	"tg-mailing-bot/internal/infra/db"
	httpinfra "tg-mailing-bot/internal/infra/http"
	applog "tg-mailing-bot/internal/infra/log"
	"tg-mailing-bot/internal/infra/metrics"
	"tg-mailing-bot/internal/infra/queue"
	"tg-mailing-bot/internal/usecase/deliverylog"
	"tg-mailing-bot/internal/usecase/mailing"
	"tg-mailing-bot/internal/usecase/throttle"
	"tg-mailing-bot/internal/usecase/transportpool"
	"tg-mailing-bot/migrations"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, cfg.LogLevel)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), cfg.MetricsAddr)

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: некорректный часовой пояс")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	applied, err := db.Migrate(ctx, pool, migrations.FS)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось применить миграции")
	}
	logger.Info().Strs("migrations", applied).Msg("scheduler: схема БД готова")

	repoAdapter := repo.NewPostgres(pool)

	if cfg.RedisAddr == "" {
		logger.Fatal().Msg("scheduler: не указан адрес Redis (REDIS_ADDR)")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	settings := throttle.NewSettings(cfg.NightWindow(), cache.NewThrottleStore(redisClient, cfg.Queues.ThrottleKey), applog.Component(logger, "throttle"))
	if err := settings.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("scheduler: ночной режим не загружен, используем значения по умолчанию")
	}

	alerter := newAlerter(cfg, logger)

	transports := transportpool.New(
		mtproto.NewConnector(repoAdapter, cfg.Telegram.APIID, cfg.Telegram.APIHash, applog.Component(logger, "mtproto")),
		transportpool.Options{OpenTimeout: cfg.MTProto.ConnectTimeout, GlobalRPS: cfg.MTProto.GlobalRPS},
		applog.Component(logger, "transportpool"),
	)
	history := deliverylog.New(repoAdapter, repoAdapter, applog.Component(logger, "deliverylog"))

	scheduler := mailing.NewScheduler(mailing.Deps{
		Accounts:     repoAdapter,
		Destinations: repoAdapter,
		Jobs:         repoAdapter,
		Log:          history,
		Pool:         transports,
		Policy:       throttle.NewPolicy(loc),
		Settings:     settings,
		Alerter:      alerter,
	}, mailing.Options{
		FloodMargin: cfg.Mailing.FloodMargin,
		ErrorStreak: cfg.Mailing.ErrorStreak,
		StartDelay:  cfg.Mailing.StartDelay,
	}, applog.Component(logger, "mailing"))

	deactivated, err := scheduler.CleanupOnStartup(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось сбросить рассылки после перезапуска")
	}
	logger.Info().Int("deactivated", deactivated).Msg("scheduler: рассылки сброшены после перезапуска")

	reporter, err := mailing.NewReporter(scheduler, cfg.Mailing.ProgressSpec, loc, alerter, applog.Component(logger, "reporter"))
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: некорректное расписание отчётов")
	}
	reporter.Start()

	commands, closeQueue, err := newCommandQueue(ctx, cfg, redisClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось инициализировать очередь команд")
	}
	defer closeQueue()
	worker := mailing.NewCommandWorker(commands, cache.NewRedis(redisClient), scheduler, settings, applog.Component(logger, "worker"))
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	minInterval, maxInterval := cfg.DefaultIntervals()
	server := httpinfra.NewServer(applog.Component(logger, "http"))
	httpapi.NewHandler(httpapi.Deps{
		Mailing:     scheduler,
		History:     history,
		Throttle:    settings,
		Transports:  transports,
		Directory:   mailing.NewDirectory(repoAdapter, repoAdapter, transports, applog.Component(logger, "directory")),
		MinInterval: minInterval,
		MaxInterval: maxInterval,
	}, applog.Component(logger, "httpapi")).Mount(server.Router, cfg.AdminToken)

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("scheduler: HTTP сервер остановлен")
			stop()
		}
	}()

	logger.Info().Msg("scheduler: старт")
	<-ctx.Done()
	logger.Info().Msg("scheduler: остановка")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("scheduler: ошибка остановки HTTP сервера")
	}
	<-workerDone
	reporter.Stop(shutdownCtx)
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("scheduler: ошибка остановки рассылок")
	}
}

func newAlerter(cfg config.AppConfig, logger zerolog.Logger) domain.Alerter {
	alertLog := applog.Component(logger, "alerter")
	if cfg.Telegram.Token == "" || cfg.Telegram.AlertChatID == 0 {
		alertLog.Info().Msg("scheduler: TG_BOT_TOKEN или ALERT_CHAT_ID не заданы, предупреждения пишутся в лог")
		return telegram.NewLogAlerter(alertLog)
	}
	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		alertLog.Error().Err(err).Msg("scheduler: не удалось создать бота, предупреждения пишутся в лог")
		return telegram.NewLogAlerter(alertLog)
	}
	return telegram.NewAlerter(botAPI, cfg.Telegram.AlertChatID, alertLog)
}

func newCommandQueue(ctx context.Context, cfg config.AppConfig, client *redis.Client, logger zerolog.Logger) (domain.CommandQueue, func(), error) {
	queueLog := applog.Component(logger, "queue")
	switch cfg.Queues.Driver {
	case "redis":
		q := queue.NewRedisCommandQueue(client, cfg.Queues.Commands, queueLog)
		recovered, err := q.Recover(ctx)
		if err != nil {
			return nil, nil, err
		}
		if recovered > 0 {
			queueLog.Warn().Int("commands", recovered).Msg("scheduler: неподтверждённые команды возвращены в очередь")
		}
		return q, func() {}, nil
	case "rabbitmq":
		q, err := queue.NewRabbitCommandQueue(cfg.Queues.RabbitURL, cfg.Queues.Commands, queueLog)
		if err != nil {
			return nil, nil, err
		}
		return q, func() {
			if err := q.Close(); err != nil {
				queueLog.Error().Err(err).Msg("scheduler: ошибка закрытия RabbitMQ")
			}
		}, nil
	default:
		return nil, nil, errors.New("неизвестный QUEUE_DRIVER: " + cfg.Queues.Driver)
	}
}
