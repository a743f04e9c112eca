// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// defaultEndpointPaths
//
// Netskope Data Export API의 기본 카테고리→경로 매핑.
// NETSKOPE_ENDPOINTS 환경변수(JSON object)로 전체 교체 가능하다.
var defaultEndpointPaths = map[string]string{
	"application": "/api/v2/events/dataexport/events/application",
	"network":     "/api/v2/events/dataexport/events/network",
	"page":        "/api/v2/events/dataexport/events/page",
	"alert":       "/api/v2/events/dataexport/events/alert",
	"audit":       "/api/v2/events/dataexport/events/audit",
}

// Config
//
// collector 실행에 필요한 모든 환경 변수 값을 보관하는 구조체.
// 프로세스 시작 시점에 Load() 에 의해 한 번 초기화되며,
// 이후에는 변경되지 않는 불변(read-only) 설정들이다.
// 전역 singleton이 아니라 값으로 각 컴포넌트에 주입된다.
type Config struct {

	// ---------------------------
	// Netskope API
	// ---------------------------

	APIEndpoint   string // API base URL (예: https://tenant.goskope.com)
	Token         string // Bearer token
	IteratorIndex string // iterator index — 같은 endpoint를 쓰는 consumer 간 커서 격리용

	// 카테고리 → API 경로 매핑 (NETSKOPE_ENDPOINTS JSON으로 교체 가능)
	EndpointPaths map[string]string

	// ---------------------------
	// 수집 범위 / 한도
	// ---------------------------

	TargetEndpoint     string        // 기본 수집 카테고리 (예: application)
	FetchWindowMinutes int           // 기본 수집 구간 (현재 시각 기준 과거 N분)
	SinceMinutes       int           // 수집 시작 시각 override (0 = 미사용)
	MaxFetchPages      int           // 1회 실행당 최대 페이지 수
	MaxFetchDuration   time.Duration // 1회 fetch 허용 wall-clock 시간
	HTTPTimeout        time.Duration // 페이지 요청 1회당 timeout

	// ---------------------------
	// AWS / S3
	// ---------------------------

	AWSRegion     string // AWS 리전
	S3Bucket      string // 저장 버킷
	S3Prefix      string // key prefix (비어있을 수 있음)
	S3EndpointURL string // custom endpoint (LocalStack 등, 비어있으면 기본)
	PartSize      int    // multipart part 크기 임계값 (bytes)

	// ---------------------------
	// 로깅 / 식별자
	// ---------------------------

	ServiceName string
	InstanceID  string // 프로세스 고유 ID (호스트명 기반, 실패 시 랜덤 hex)
	LogLevel    string
	LogPretty   bool
	LogSampleN  uint32 // Debug/Info 샘플링 비율 (1 이하 = 샘플링 없음)
}

// Load
//
// 환경 변수 기반으로 Config 값을 초기화한다.
// 필수 env(NETSKOPE_TOKEN, S3_BUCKET)가 비어있으면 즉시 종료(fail-fast).
// 나머지는 운영 기본값을 가진다.
func Load() Config {
	return Config{
		APIEndpoint:   envStr("NETSKOPE_API_ENDPOINT", "https://tenant.goskope.com"),
		Token:         must("NETSKOPE_TOKEN"),
		IteratorIndex: envStr("NETSKOPE_INDEX", "default"),
		EndpointPaths: loadEndpointPaths(),

		TargetEndpoint:     envStr("ENDPOINT", "application"),
		FetchWindowMinutes: envInt("FETCH_WINDOW_MINUTES", 15),
		SinceMinutes:       envInt("SINCE_MINUTES", 0),
		MaxFetchPages:      envInt("MAX_FETCH_PAGES", 100),
		MaxFetchDuration:   time.Duration(envInt("MAX_FETCH_DURATION_SECONDS", 300)) * time.Second,
		HTTPTimeout:        envDur("HTTP_TIMEOUT", 30*time.Second),

		AWSRegion:     envStr("AWS_REGION", "ap-northeast-1"),
		S3Bucket:      must("S3_BUCKET"),
		S3Prefix:      envStr("S3_PREFIX", ""),
		S3EndpointURL: envStr("S3_ENDPOINT", ""),
		PartSize:      envInt("PART_SIZE_BYTES", 8*1024*1024),

		ServiceName: envStr("SERVICE_NAME", "netskope-collector"),
		InstanceID:  fallbackInstanceID(),
		LogLevel:    envStr("LOG_LEVEL", "info"),
		LogPretty:   envBool("LOG_PRETTY", false),
		LogSampleN:  uint32(envInt("LOG_SAMPLE_N", 1)),
	}
}

// loadEndpointPaths
//
// NETSKOPE_ENDPOINTS가 설정되어 있으면 JSON object로 파싱해 사용한다.
// 파싱 실패 또는 미설정 시 기본 매핑으로 fallback.
func loadEndpointPaths() map[string]string {
	raw := os.Getenv("NETSKOPE_ENDPOINTS")
	if raw == "" {
		return defaultEndpointPaths
	}
	parsed := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil || len(parsed) == 0 {
		log.Printf("[WARN] invalid NETSKOPE_ENDPOINTS, using defaults: %v", err)
		return defaultEndpointPaths
	}
	return parsed
}

// must / envStr / envInt / envBool / envDur
//
// 공통 패턴.
// must: 필수 환경변수가 없으면 즉시 로그 출력 후 종료(fail-fast).
// env*: 값이 없으면 기본값, 형식이 잘못되면 종료.
// 런타임 중 설정 오류를 겪지 않도록 하기 위한 보호 전략.
func must(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("missing required env: %s", key)
	}
	return v
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid int env %s=%q: %v", key, v, err)
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid bool env %s=%q: %v", key, v, err)
	}
	return b
}

func envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

// fallbackInstanceID
//
// 이 collector 프로세스를 식별하는 고유 값.
//   - 기본: hostname
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
