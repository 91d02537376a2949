// fake-acs serves a synthetic access-control gateway for local runs and load tests.
package main

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"dorm-access/internal/logging"
)

func main() {
	logger, err := logging.New(getenvDefault("LOG_LEVEL", "info"), getenvDefault("LOG_FORMAT", "console"), "fake-acs")
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	addr := getenvDefault("FAKE_ACS_ADDR", ":18080")
	srv, err := newFakeGateway(gatewayConfig{
		AppKey:       getenvDefault("FAKE_ACS_APP_KEY", "dev-key"),
		AppSecret:    getenvDefault("FAKE_ACS_APP_SECRET", "dev-secret"),
		Latency:      time.Duration(getenvIntDefault("FAKE_ACS_LATENCY_MS", 0)) * time.Millisecond,
		FailRate:     getenvFloatDefault("FAKE_ACS_FAIL_RATE", 0),
		EventsPerMin: getenvIntDefault("FAKE_ACS_EVENTS_PER_MIN", 6),
		MaxSkew:      time.Duration(getenvIntDefault("FAKE_ACS_MAX_SKEW_SECONDS", 900)) * time.Second,
	}, logger)
	if err != nil {
		logger.Fatal("fake gateway config", zap.Error(err))
	}

	logger.Info("fake access gateway listening", zap.String("addr", addr))
	server := &http.Server{Addr: addr, Handler: srv.routes(), ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil {
		logger.Fatal("listen", zap.Error(err))
	}
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
