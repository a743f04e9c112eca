// internal/netskope/client.go
package netskope

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"netskope-collector/internal/config"
	"netskope-collector/internal/metrics"
	"netskope-collector/internal/model"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// ErrUnsupportedCategory 는 endpoint path map에 없는 카테고리를
// 요청했을 때 반환된다. I/O 발생 전에 즉시 실패한다(설정 오류).
var ErrUnsupportedCategory = errors.New("unsupported event category")

// HTTPError 는 429를 제외한 non-2xx 응답.
// 재시도하지 않으며 iterator의 Err()로 그대로 전파된다.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("netskope api: unexpected status %s", e.Status)
}

// Retry-After 헤더가 없을 때의 429 backoff 기본값.
const defaultRetryAfter = 5 * time.Second

// Client
// ------------------------------------------------------------
// Netskope Data Export iterator API용 HTTP client.
//
//   - Bearer token 인증
//   - 429 rate-limit 처리 (Retry-After 기반 무제한 재시도)
//   - 페이지 단위 iteration 및 조기 종료 (page/duration 한도)
//
// 하나의 Client는 여러 Fetch 호출에 재사용 가능하지만,
// cursor 상태는 Fetch가 반환하는 Iterator에만 존재하며
// 호출 간에 아무것도 이어지지 않는다.
type Client struct {
	baseURL string
	token   string
	index   string
	cfg     config.Config
	metrics *metrics.Metrics
	httpc   *http.Client

	// 테스트 주입점. 운영 코드에서는 바꾸지 않는다.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient 는 Config 기반으로 Client를 생성한다.
// HTTP 연결은 요청당 timeout을 가지며 페이지 간에는 keep-alive로 재사용된다.
func NewClient(cfg config.Config, m *metrics.Metrics) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.APIEndpoint, "/"),
		token:   cfg.Token,
		index:   cfg.IteratorIndex,
		cfg:     cfg,
		metrics: m,
		httpc:   &http.Client{Timeout: cfg.HTTPTimeout},
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// sleepCtx 는 취소 가능한 sleep. backoff 중에도 shutdown에 반응해야 한다.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fetch
// ------------------------------------------------------------
// category의 이벤트를 since(UTC) 시점부터 lazy하게 내려받는
// Iterator를 생성한다. 네트워크 I/O는 첫 Next 호출 때 시작된다.
//
// category가 endpoint path map에 없으면 즉시 ErrUnsupportedCategory.
func (c *Client) Fetch(category string, since time.Time) (*Iterator, error) {
	path, ok := c.cfg.EndpointPaths[category]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCategory, category)
	}
	return &Iterator{
		client:    c,
		category:  category,
		url:       c.baseURL + path,
		operation: strconv.FormatInt(since.UTC().Unix(), 10),
	}, nil
}

// Iterator
// ------------------------------------------------------------
// 한 번의 Fetch 호출이 만들어내는 forward-only 이벤트 시퀀스.
// model.Source를 구현한다.
//
// 내부적으로는 "현재 페이지 버퍼 + 서버 cursor" 상태 기계다.
// 페이지의 레코드를 모두 내보낸 뒤에만 다음 요청을 보내며,
// 한 페이지 이상은 절대 미리 받아두지 않는다.
type Iterator struct {
	client   *Client
	category string
	url      string

	// operation 파라미터: 첫 요청은 epoch seconds, 이후엔 "next".
	// timestamp → continuation 전환은 단방향이다.
	operation string

	buf []model.Event
	idx int
	cur model.Event

	pages       int
	started     bool
	startTime   time.Time
	pendingWait int // 다음 요청 전에 소화할 서버 pacing(wait_time, 초)

	stop model.StopReason
	err  error
}

// Next 는 다음 레코드가 있으면 true를 반환하고 Record()로 접근 가능하게 한다.
// false 반환 후에는 Err()와 StopReason()으로 종료 원인을 확인한다.
func (it *Iterator) Next(ctx context.Context) bool {
	for {
		// 현재 페이지 버퍼에 남은 레코드 먼저 소진 (strict FIFO).
		if it.idx < len(it.buf) {
			it.cur = it.buf[it.idx]
			it.idx++
			atomic.AddInt64(&it.client.metrics.EventsFetchedTotal, 1)
			return true
		}
		if it.stop != model.StopNone || it.err != nil {
			return false
		}
		it.fetchPage(ctx)
	}
}

// Record 는 마지막 Next가 true를 반환했을 때의 레코드.
func (it *Iterator) Record() model.Event { return it.cur }

// Err 는 iteration을 중단시킨 치명적 오류를 반환한다.
// page/duration 한도나 transport 오류로 인한 truncation은
// 오류가 아니므로 nil이다 — StopReason()으로 구분한다.
func (it *Iterator) Err() error { return it.err }

// StopReason 은 iteration이 끝난 이유를 반환한다.
func (it *Iterator) StopReason() model.StopReason { return it.stop }

// fetchPage 는 다음 페이지 하나를 받아 버퍼를 채우고,
// 페이지 처리 후 종료 조건을 평가한다.
// 429는 페이지가 아니다: 레코드도 없고 page/duration 계산에도 들어가지 않는다.
func (it *Iterator) fetchPage(ctx context.Context) {
	c := it.client

	if !it.started {
		it.started = true
		it.startTime = c.now()
	}

	// 직전 페이지가 남긴 서버 pacing을 먼저 소화한다.
	// 소비자가 페이지를 다 읽은 시점에야 잠들게 되므로 lazy 특성이 유지된다.
	if it.pendingWait > 0 {
		log.Debug().Int("wait_time", it.pendingWait).Msg("sleeping (server wait_time)")
		if err := c.sleep(ctx, time.Duration(it.pendingWait)*time.Second); err != nil {
			it.err = err
			return
		}
		atomic.AddInt64(&c.metrics.WaitSecondsTotal, int64(it.pendingWait))
		it.pendingWait = 0
	}

	for {
		log.Info().Str("category", it.category).Msg("fetching events")
		log.Debug().Str("url", it.url).Str("operation", it.operation).Msg("GET")

		resp, err := c.get(ctx, it.url, it.operation)
		if err != nil {
			if ctx.Err() != nil {
				it.err = ctx.Err()
				return
			}
			// transport 오류: 시퀀스를 조용히 끝낸다. 지금까지 받은 레코드는
			// 그대로 유효하며, 호출자는 StopReason으로 truncation을 알 수 있다.
			log.Warn().Err(err).Msg("request failed; ending iteration")
			it.stop = model.StopTransportError
			return
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			drainAndClose(resp)
			atomic.AddInt64(&c.metrics.RateLimitHitsTotal, 1)
			log.Warn().Dur("retry_after", retryAfter).Msg("rate limit hit (429); backing off")
			if err := c.sleep(ctx, retryAfter); err != nil {
				it.err = err
				return
			}
			atomic.AddInt64(&c.metrics.WaitSecondsTotal, int64(retryAfter/time.Second))
			continue // 같은 요청을 그대로 재시도. 상한 없음 — 서버 pacing을 신뢰한다.
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			drainAndClose(resp)
			it.err = &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
			it.stop = model.StopHTTPError
			return
		}

		var page model.Page
		err = json.NewDecoder(resp.Body).Decode(&page)
		drainAndClose(resp)
		if err != nil {
			it.err = fmt.Errorf("decode response: %w", err)
			return
		}

		it.buf = page.Result
		it.idx = 0
		it.pages++
		atomic.AddInt64(&c.metrics.PagesFetchedTotal, 1)
		log.Debug().Int("events", len(page.Result)).Int("wait_time", page.WaitTime).Msg("page received")

		elapsed := c.now().Sub(it.startTime)

		// 종료 조건 평가 순서는 고정이다:
		// 자연 종료 → 페이지 한도 → 시간 한도.
		// 한도 도달은 오류가 아니라 의도된 truncation이다.
		switch {
		case len(page.Result) == 0 && page.WaitTime == 0:
			log.Info().Msg("no more events; iterator finished")
			it.stop = model.StopNaturalEnd
		case it.pages >= c.cfg.MaxFetchPages:
			log.Warn().Int("max_pages", c.cfg.MaxFetchPages).Msg("max page limit reached")
			it.stop = model.StopMaxPages
		case elapsed >= c.cfg.MaxFetchDuration:
			log.Warn().Dur("elapsed", elapsed).Msg("max duration reached")
			it.stop = model.StopMaxDuration
		default:
			it.pendingWait = page.WaitTime
		}

		// 첫 페이지 이후의 cursor는 서버가 index별로 관리한다.
		it.operation = "next"
		return
	}
}

// get 은 페이지 요청 한 번을 수행한다. 호출자가 응답 body를 닫는다.
func (c *Client) get(ctx context.Context, rawURL, operation string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("operation", operation)
	q.Set("index", c.index)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+c.token)

	return c.httpc.Do(req)
}

// parseRetryAfter 는 Retry-After 헤더(초 단위 정수)를 해석한다.
// 없거나 형식이 잘못되면 기본 5초.
func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return defaultRetryAfter
	}
	n, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || n < 0 {
		return defaultRetryAfter
	}
	return time.Duration(n) * time.Second
}

// drainAndClose 는 keep-alive 재사용을 위해 body를 비우고 닫는다.
func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
