// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"netskope-collector/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 프로세스 시작 시 한 번만 호출되는 로거 초기화 함수.
//
//  1. 로그 포맷 전환:
//     - LOG_PRETTY=true  → 사람이 읽는 콘솔 출력 (로컬 개발)
//     - LOG_PRETTY=false → JSON 출력 (CloudWatch 등 수집기용)
//
//  2. 공통 필드:
//     모든 로그에 "service", "instance"가 붙는다.
//     Lambda/배치로 여러 인스턴스가 동시에 돌 때 로그 출처 식별용.
//
//  3. 샘플링:
//     LOG_SAMPLE_N > 1 이면 Debug/Info는 N건당 1건만 기록한다.
//     Warn/Error는 샘플링하지 않는다.
func Init(cfg config.Config) {

	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	} else {
		w = os.Stdout
	}

	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	logger := base
	if cfg.LogSampleN > 1 {
		logger = base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
			// Warn/Error: 샘플링 없음 — 장애 로그는 전부 남긴다.
		})
	}

	zlog.Logger = logger

	// 표준 라이브러리 log를 쓰는 코드도 zerolog 설정을 따르게 연결.
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}
