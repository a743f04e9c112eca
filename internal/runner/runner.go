// internal/runner/runner.go
package runner

import (
	"context"
	"time"

	"netskope-collector/internal/config"
	"netskope-collector/internal/metrics"
	"netskope-collector/internal/model"
	"netskope-collector/internal/netskope"
	"netskope-collector/internal/writer"

	"github.com/rs/zerolog/log"
)

// Runner
// ------------------------------------------------------------
// fetch → stream upload 한 사이클의 orchestration.
// 수집 구간을 계산하고 Client와 S3Writer를 연결하는 일만 하며,
// 두 컴포넌트는 model.Source로만 이어진다.
type Runner struct {
	cfg     config.Config
	metrics *metrics.Metrics
	client  *netskope.Client
	writer  *writer.S3Writer
}

// New 는 Client와 S3Writer를 초기화해 Runner를 구성한다.
// 컴포넌트들은 어떻게 조립되는지 알지 못한다 — 조립은 여기서만 한다.
func New(cfg config.Config, m *metrics.Metrics) *Runner {
	return &Runner{
		cfg:     cfg,
		metrics: m,
		client:  netskope.NewClient(cfg, m),
		writer:  writer.NewS3Writer(cfg, m),
	}
}

// Run
// ------------------------------------------------------------
// category의 이벤트를 since 구간부터 수집해 S3에 저장하고 key를 반환한다.
//
// 수집 시작 시각:
//   - SINCE_MINUTES 설정 시 now − SINCE_MINUTES
//   - 아니면 now − FETCH_WINDOW_MINUTES
//
// 반환된 시퀀스는 best-effort다. page/duration 한도나 transport 오류로
// truncation이 있었어도 성공으로 처리되며, StopReason 로그로만 구분된다.
func (r *Runner) Run(ctx context.Context, category string) (string, error) {
	sinceMinutes := r.cfg.FetchWindowMinutes
	if r.cfg.SinceMinutes > 0 {
		sinceMinutes = r.cfg.SinceMinutes
	}
	since := time.Now().UTC().Add(-time.Duration(sinceMinutes) * time.Minute)

	log.Info().
		Str("category", category).
		Time("since", since).
		Msg("=== fetch -> stream upload ===")

	it, err := r.client.Fetch(category, since)
	if err != nil {
		return "", err
	}

	key, err := r.writer.WriteEvents(ctx, it, category)
	if err != nil {
		return "", err
	}
	if err := it.Err(); err != nil {
		// WriteEvents가 Source.Err를 이미 전파하므로 여기 오면 로직 오류다.
		return "", err
	}

	if reason := it.StopReason(); reason != model.StopNaturalEnd {
		log.Warn().Stringer("stop_reason", reason).Msg("fetch ended before natural end (truncated window)")
	}

	log.Info().Str("key", key).Msg("upload done")
	log.Info().Msg("run metrics:\n" + r.metrics.String())
	return key, nil
}
