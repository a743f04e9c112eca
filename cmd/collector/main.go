package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"netskope-collector/internal/config"
	"netskope-collector/internal/logger"
	"netskope-collector/internal/metrics"
	"netskope-collector/internal/runner"

	"github.com/rs/zerolog/log"
)

// collector 엔트리포인트.
//
// 한 번 실행 = 수집 구간 하나 = S3 object 하나.
// cron/EventBridge 등 외부 스케줄러가 주기적으로 실행한다.
// cursor/offset은 프로세스 간에 보존하지 않으며,
// 매 실행의 시작 시각은 설정(FETCH_WINDOW_MINUTES/SINCE_MINUTES)으로 정해진다.
func main() {
	cfg := config.Load()
	logger.Init(cfg)

	m := metrics.New()
	r := runner.New(cfg, m)

	// SIGTERM/SIGINT 수신 시 run context를 취소한다.
	// backoff sleep 중이라도 즉시 깨어나 정리 경로(abort 포함)를 탄다.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("shutdown signal received; cancelling run")
		cancel()
	}()

	key, err := r.Run(ctx, cfg.TargetEndpoint)
	if err != nil {
		log.Error().Err(err).Msg("collector run failed")
		os.Exit(1)
	}

	log.Info().Str("key", key).Msg("collector run complete")
}
