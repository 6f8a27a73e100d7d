package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailing_deliveries_total",
		Help: "Попытки отправки по исходам",
	}, []string{"outcome"})

	ActiveLoops = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailing_active_loops",
		Help: "Количество работающих циклов рассылки",
	})

	OpenTransports = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailing_open_transports",
		Help: "Количество открытых MTProto-подключений",
	})

	LogWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailing_log_write_errors_total",
		Help: "Ошибки записи журнала доставки",
	})

	IntervalMinutes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailing_interval_minutes",
		Help:    "Выбранные интервалы между отправками",
		Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120, 240},
	})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailing_commands_total",
		Help: "Команды из очереди по видам и результату",
	}, []string{"kind", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		NetworkRequestDuration,
		NetworkRequestTotal,
		DeliveriesTotal,
		ActiveLoops,
		OpenTransports,
		LogWriteErrors,
		IntervalMinutes,
		CommandsTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveDelivery учитывает исход попытки отправки.
func ObserveDelivery(outcome string) {
	DeliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveCommand учитывает выполненную команду.
func ObserveCommand(kind string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	CommandsTotal.WithLabelValues(kind, status).Inc()
}
