// internal/model/event.go
package model

import "context"

// Event
// ------------------------------------------------------------
// Netskope API가 반환하는 단일 보안 이벤트 레코드.
// 스키마를 강제하지 않는 opaque 구조이며(키→임의 JSON 값),
// collector는 내용을 해석하지 않고 받은 그대로 S3까지 전달한다.
//
// Client → Source → S3Writer 전체 파이프라인의 "기본 단위".
type Event map[string]any

// Page
// ------------------------------------------------------------
// Netskope Data Export iterator API의 응답 envelope.
//
//	{ "ok": 1, "result": [ ... ], "wait_time": 0 }
//
// WaitTime은 서버가 지시하는 다음 poll까지의 대기 시간(초)이며,
// 429 기반 rate-limit backoff와는 별개의 pacing 힌트이다.
type Page struct {
	OK       int     `json:"ok"`
	Result   []Event `json:"result"`
	WaitTime int     `json:"wait_time"`
}

// Source
// ------------------------------------------------------------
// 이벤트 레코드의 lazy/forward-only 시퀀스 추상화.
//
// Fetch Client와 S3Writer는 오직 이 인터페이스로만 연결된다.
// 덕분에 writer는 아무 producer(테스트 slice 포함)로도 검증 가능하다.
//
// 사용 규약:
//   - Next가 true를 반환한 직후에만 Record 호출이 유효하다.
//   - Next가 false를 반환한 이후 Err를 확인한다.
//     Err == nil 이면 정상 종료(또는 의도된 truncation)이다.
//   - 재시작 불가. 한 번 소진된 Source는 재사용하지 않는다.
type Source interface {
	Next(ctx context.Context) bool
	Record() Event
	Err() error
}

// SliceSource
// ------------------------------------------------------------
// 메모리 상의 이벤트 slice를 Source로 감싸는 어댑터.
// writer 단독 테스트 및 재처리(backfill) 입력용.
type SliceSource struct {
	events []Event
	idx    int
}

func NewSliceSource(events []Event) *SliceSource {
	return &SliceSource{events: events}
}

func (s *SliceSource) Next(_ context.Context) bool {
	if s.idx >= len(s.events) {
		return false
	}
	s.idx++
	return true
}

func (s *SliceSource) Record() Event { return s.events[s.idx-1] }
func (s *SliceSource) Err() error    { return nil }

// StopReason
// ------------------------------------------------------------
// fetch 반복이 끝난 이유.
// page/duration 한도 도달이나 transport 오류로 인한 조기 종료는
// "예상된 결과"이므로 error가 아니라 열거형으로 보고한다.
// 호출자는 truncation 여부를 로그/지표로 구분할 수 있다.
type StopReason int

const (
	StopNone           StopReason = iota // 아직 종료되지 않음
	StopNaturalEnd                       // result 비어있고 wait_time == 0
	StopMaxPages                         // 페이지 수 한도 도달 (truncation)
	StopMaxDuration                      // 수집 시간 한도 도달 (truncation)
	StopTransportError                   // 연결/timeout 오류 → 조용한 truncation
	StopHTTPError                        // 치명적 HTTP 오류 (Err()에 노출됨)
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopNaturalEnd:
		return "natural_end"
	case StopMaxPages:
		return "max_pages"
	case StopMaxDuration:
		return "max_duration"
	case StopTransportError:
		return "transport_error"
	case StopHTTPError:
		return "http_error"
	default:
		return "unknown"
	}
}
