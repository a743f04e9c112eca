// internal/metrics/metrics.go
package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics 는 한 번의 collector 실행 동안 누적되는 카운터 모음이다.
// 실행 종료 시 Runner가 요약 로그로 남긴다.
type Metrics struct {
	// ======================
	// Fetch (Netskope API) 지표
	// ======================

	// PagesFetchedTotal
	// - 정상(2xx) 응답으로 처리된 페이지 수.
	// - 429 재시도는 페이지가 아니므로 포함되지 않는다.
	PagesFetchedTotal int64

	// EventsFetchedTotal
	// - iterator가 consumer에 넘긴 이벤트 레코드 수.
	EventsFetchedTotal int64

	// RateLimitHitsTotal
	// - 429 응답을 받은 횟수. 각 hit마다 Retry-After 만큼 대기 후 같은 요청을 재시도한다.
	// - 이 값이 크면 index 분리 또는 수집 주기 조정이 필요하다는 신호.
	RateLimitHitsTotal int64

	// WaitSecondsTotal
	// - 서버 pacing(wait_time) + Retry-After로 잠들어 있었던 총 시간(초).
	// - 실행 시간 대부분이 여기에 소모되면 MAX_FETCH_DURATION_SECONDS 한도에
	//   걸려 truncation이 날 가능성이 높다.
	WaitSecondsTotal int64

	// ======================
	// Upload (S3) 지표
	// ======================

	// PartsUploadedTotal
	// - 업로드된 multipart part 수.
	PartsUploadedTotal int64

	// BytesUploadedTotal
	// - 업로드된 압축 후 바이트 수 (part payload 합).
	BytesUploadedTotal int64

	// EventsWrittenTotal
	// - JSONL로 직렬화되어 S3 object에 들어간 이벤트 수.
	// - EventsFetchedTotal과 다르면 writer 경로에서 유실이 있었다는 뜻이다.
	EventsWrittenTotal int64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(256)

	fmt.Fprintf(&sb, "pages_fetched_total=%d\n", atomic.LoadInt64(&m.PagesFetchedTotal))
	fmt.Fprintf(&sb, "events_fetched_total=%d\n", atomic.LoadInt64(&m.EventsFetchedTotal))
	fmt.Fprintf(&sb, "rate_limit_hits_total=%d\n", atomic.LoadInt64(&m.RateLimitHitsTotal))
	fmt.Fprintf(&sb, "wait_seconds_total=%d\n", atomic.LoadInt64(&m.WaitSecondsTotal))

	fmt.Fprintf(&sb, "parts_uploaded_total=%d\n", atomic.LoadInt64(&m.PartsUploadedTotal))
	fmt.Fprintf(&sb, "bytes_uploaded_total=%d\n", atomic.LoadInt64(&m.BytesUploadedTotal))
	fmt.Fprintf(&sb, "events_written_total=%d\n", atomic.LoadInt64(&m.EventsWrittenTotal))

	return sb.String()
}
