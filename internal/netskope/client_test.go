package netskope

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"netskope-collector/internal/config"
	"netskope-collector/internal/metrics"
	"netskope-collector/internal/model"

	json "github.com/goccy/go-json"
)

// pageResp: 테스트 서버가 돌려줄 응답 시나리오 한 건.
type pageResp struct {
	status     int
	retryAfter string // 429일 때만 의미 있음
	result     []model.Event
	waitTime   int
}

// newScriptedServer 는 pageResp 시나리오를 순서대로 재생하는 API double.
// 시나리오가 소진되면 자연 종료 응답(result=[], wait_time=0)을 반환한다.
func newScriptedServer(t *testing.T, script []pageResp, reqs *[]*http.Request) *httptest.Server {
	t.Helper()
	i := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqCopy := r.Clone(context.Background())
		*reqs = append(*reqs, reqCopy)

		var resp pageResp
		if i < len(script) {
			resp = script[i]
		} else {
			resp = pageResp{status: http.StatusOK}
		}
		i++

		if resp.status == http.StatusTooManyRequests {
			if resp.retryAfter != "" {
				w.Header().Set("Retry-After", resp.retryAfter)
			}
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if resp.status != http.StatusOK {
			w.WriteHeader(resp.status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		body := map[string]any{"ok": 1, "result": resp.result, "wait_time": resp.waitTime}
		if resp.result == nil {
			body["result"] = []model.Event{}
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
}

func testConfig(baseURL string) config.Config {
	return config.Config{
		APIEndpoint:   baseURL,
		Token:         "test-token",
		IteratorIndex: "idx-1",
		EndpointPaths: map[string]string{
			"application": "/api/v2/events/dataexport/events/application",
			"alert":       "/api/v2/events/dataexport/events/alert",
		},
		MaxFetchPages:    100,
		MaxFetchDuration: 300 * time.Second,
		HTTPTimeout:      5 * time.Second,
	}
}

// newTestClient: sleep을 기록만 하는 stub으로 바꾸고 clock을 고정한다.
func newTestClient(cfg config.Config, slept *[]time.Duration) *Client {
	c := NewClient(cfg, metrics.New())
	c.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	c.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return c
}

func drain(t *testing.T, it *Iterator) []model.Event {
	t.Helper()
	var out []model.Event
	for it.Next(context.Background()) {
		out = append(out, it.Record())
	}
	return out
}

// ------------------------------------------------------------
// tests
// ------------------------------------------------------------

func TestFetch_UnsupportedCategory(t *testing.T) {
	var reqs []*http.Request
	srv := newScriptedServer(t, nil, &reqs)
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(testConfig(srv.URL), &slept)

	_, err := c.Fetch("bogus", time.Unix(0, 0))
	if !errors.Is(err, ErrUnsupportedCategory) {
		t.Fatalf("err = %v, want ErrUnsupportedCategory", err)
	}
	if len(reqs) != 0 {
		t.Fatalf("no request must be issued, got %d", len(reqs))
	}
}

func TestFetch_EmptyFirstPage(t *testing.T) {
	var reqs []*http.Request
	srv := newScriptedServer(t, []pageResp{{status: 200}}, &reqs)
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(testConfig(srv.URL), &slept)

	since := time.Unix(1_699_999_100, 0)
	it, err := c.Fetch("application", since)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if got := drain(t, it); len(got) != 0 {
		t.Fatalf("events = %d, want 0", len(got))
	}
	if it.Err() != nil {
		t.Fatalf("Err = %v, want nil", it.Err())
	}
	if it.StopReason() != model.StopNaturalEnd {
		t.Fatalf("stop reason = %v, want natural_end", it.StopReason())
	}

	// 첫 요청 파라미터: operation=epoch seconds, index, Bearer token.
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	q := reqs[0].URL.Query()
	if q.Get("operation") != strconv.FormatInt(since.Unix(), 10) {
		t.Fatalf("operation = %q, want %d", q.Get("operation"), since.Unix())
	}
	if q.Get("index") != "idx-1" {
		t.Fatalf("index = %q, want idx-1", q.Get("index"))
	}
	if got := reqs[0].Header.Get("Authorization"); got != "Bearer test-token" {
		t.Fatalf("authorization = %q", got)
	}
}

func TestFetch_ConcatenatesPagesInOrder(t *testing.T) {
	var reqs []*http.Request
	srv := newScriptedServer(t, []pageResp{
		{status: 200, result: []model.Event{{"id": "a1"}, {"id": "a2"}}, waitTime: 1},
		{status: 200, result: []model.Event{{"id": "b1"}}, waitTime: 1},
		{status: 200}, // natural end
	}, &reqs)
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(testConfig(srv.URL), &slept)

	it, err := c.Fetch("application", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	got := drain(t, it)
	wantIDs := []string{"a1", "a2", "b1"}
	if len(got) != len(wantIDs) {
		t.Fatalf("events = %d, want %d", len(got), len(wantIDs))
	}
	for i, ev := range got {
		if ev["id"] != wantIDs[i] {
			t.Fatalf("event %d id = %v, want %s", i, ev["id"], wantIDs[i])
		}
	}
	if it.StopReason() != model.StopNaturalEnd {
		t.Fatalf("stop reason = %v, want natural_end", it.StopReason())
	}

	// 두 번째 요청부터 operation은 continuation token "next"로 바뀌고
	// index는 매 요청 그대로 반복된다.
	if len(reqs) != 3 {
		t.Fatalf("requests = %d, want 3", len(reqs))
	}
	for i, r := range reqs[1:] {
		if r.URL.Query().Get("operation") != "next" {
			t.Fatalf("request %d operation = %q, want next", i+1, r.URL.Query().Get("operation"))
		}
		if r.URL.Query().Get("index") != "idx-1" {
			t.Fatalf("request %d index missing", i+1)
		}
	}

	// 페이지 사이마다 wait_time(1초)만큼 pacing sleep이 발생한다.
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != time.Second {
		t.Fatalf("slept = %v, want [1s 1s]", slept)
	}
}

func TestFetch_MaxPagesTruncation(t *testing.T) {
	var reqs []*http.Request
	srv := newScriptedServer(t, []pageResp{
		{status: 200, result: []model.Event{{"id": "p1"}}, waitTime: 1},
		{status: 200, result: []model.Event{{"id": "p2"}}, waitTime: 1},
		{status: 200, result: []model.Event{{"id": "p3"}}, waitTime: 1},
		{status: 200, result: []model.Event{{"id": "p4"}}, waitTime: 1},
	}, &reqs)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxFetchPages = 3

	var slept []time.Duration
	c := newTestClient(cfg, &slept)

	it, _ := c.Fetch("application", time.Unix(0, 0))
	got := drain(t, it)

	// 서버에 4페이지가 있어도 정확히 3페이지 분량만 반환된다.
	if len(got) != 3 {
		t.Fatalf("events = %d, want 3", len(got))
	}
	if len(reqs) != 3 {
		t.Fatalf("requests = %d, want 3", len(reqs))
	}
	if it.Err() != nil {
		t.Fatalf("truncation is not an error, got %v", it.Err())
	}
	if it.StopReason() != model.StopMaxPages {
		t.Fatalf("stop reason = %v, want max_pages", it.StopReason())
	}
}

func TestFetch_MaxDurationTruncation(t *testing.T) {
	var reqs []*http.Request
	srv := newScriptedServer(t, []pageResp{
		{status: 200, result: []model.Event{{"id": "p1"}}, waitTime: 1},
		{status: 200, result: []model.Event{{"id": "p2"}}, waitTime: 1},
	}, &reqs)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxFetchDuration = 0 // 첫 페이지 직후 무조건 시간 한도 도달

	var slept []time.Duration
	c := newTestClient(cfg, &slept)

	it, _ := c.Fetch("application", time.Unix(0, 0))
	got := drain(t, it)

	if len(got) != 1 {
		t.Fatalf("events = %d, want exactly one page's worth (1)", len(got))
	}
	if it.StopReason() != model.StopMaxDuration {
		t.Fatalf("stop reason = %v, want max_duration", it.StopReason())
	}
}

func TestFetch_RateLimitRetrySameRequest(t *testing.T) {
	var reqs []*http.Request
	srv := newScriptedServer(t, []pageResp{
		{status: 429, retryAfter: "7"},
		{status: 200, result: []model.Event{{"id": "r1"}, {"id": "r2"}}},
	}, &reqs)
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(testConfig(srv.URL), &slept)

	it, _ := c.Fetch("application", time.Unix(0, 0))
	got := drain(t, it)

	// 429 뒤의 200이 주는 레코드가 정확히 한 번씩만 나온다.
	if len(got) != 2 || got[0]["id"] != "r1" || got[1]["id"] != "r2" {
		t.Fatalf("events = %v", got)
	}
	if it.Err() != nil {
		t.Fatalf("Err = %v, want nil", it.Err())
	}

	// Retry-After 만큼 대기했고, 재시도는 같은 operation 파라미터를 쓴다.
	if len(slept) != 1 || slept[0] != 7*time.Second {
		t.Fatalf("slept = %v, want [7s]", slept)
	}
	// 429 + 재시도 + 이후 자연 종료 페이지 = 3 요청.
	if len(reqs) != 3 {
		t.Fatalf("requests = %d, want 3", len(reqs))
	}
	if reqs[0].URL.Query().Get("operation") != reqs[1].URL.Query().Get("operation") {
		t.Fatalf("429 retry must repeat the same request: %q vs %q",
			reqs[0].URL.Query().Get("operation"), reqs[1].URL.Query().Get("operation"))
	}
}

func TestFetch_RateLimitDefaultRetryAfter(t *testing.T) {
	var reqs []*http.Request
	srv := newScriptedServer(t, []pageResp{
		{status: 429}, // Retry-After 헤더 없음
		{status: 200},
	}, &reqs)
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(testConfig(srv.URL), &slept)

	it, _ := c.Fetch("application", time.Unix(0, 0))
	drain(t, it)

	if len(slept) != 1 || slept[0] != 5*time.Second {
		t.Fatalf("slept = %v, want default [5s]", slept)
	}
}

func TestFetch_FatalHTTPError(t *testing.T) {
	var reqs []*http.Request
	srv := newScriptedServer(t, []pageResp{
		{status: 200, result: []model.Event{{"id": "ok1"}}, waitTime: 1},
		{status: http.StatusForbidden},
	}, &reqs)
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(testConfig(srv.URL), &slept)

	it, _ := c.Fetch("application", time.Unix(0, 0))
	got := drain(t, it)

	// 오류 전까지 받은 레코드는 유효하다.
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}

	var httpErr *HTTPError
	if !errors.As(it.Err(), &httpErr) {
		t.Fatalf("Err = %v, want *HTTPError", it.Err())
	}
	if httpErr.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", httpErr.StatusCode)
	}
	if it.StopReason() != model.StopHTTPError {
		t.Fatalf("stop reason = %v, want http_error", it.StopReason())
	}
}

func TestFetch_TransportErrorEndsQuietly(t *testing.T) {
	var reqs []*http.Request
	srv := newScriptedServer(t, []pageResp{
		{status: 200, result: []model.Event{{"id": "t1"}}, waitTime: 1},
	}, &reqs)

	cfg := testConfig(srv.URL)
	var slept []time.Duration
	c := newTestClient(cfg, &slept)

	it, _ := c.Fetch("application", time.Unix(0, 0))

	// 첫 페이지 수신 후 서버를 내려 connection error를 만든다.
	if !it.Next(context.Background()) {
		t.Fatal("expected first record")
	}
	srv.Close()

	var rest []model.Event
	for it.Next(context.Background()) {
		rest = append(rest, it.Record())
	}

	// transport 오류는 조용한 truncation: 오류 없이 시퀀스만 끝난다.
	if len(rest) != 0 {
		t.Fatalf("events after failure = %d, want 0", len(rest))
	}
	if it.Err() != nil {
		t.Fatalf("Err = %v, want nil (swallowed transport error)", it.Err())
	}
	if it.StopReason() != model.StopTransportError {
		t.Fatalf("stop reason = %v, want transport_error", it.StopReason())
	}
}

func TestFetch_ContextCancelDuringBackoff(t *testing.T) {
	var reqs []*http.Request
	srv := newScriptedServer(t, []pageResp{
		{status: 429, retryAfter: "60"},
	}, &reqs)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	c := NewClient(cfg, metrics.New())
	// 실제 sleepCtx를 그대로 사용 — 취소에 즉시 반응해야 한다.

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	it, _ := c.Fetch("application", time.Unix(0, 0))

	start := time.Now()
	if it.Next(ctx) {
		t.Fatal("no record expected")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancel did not interrupt backoff (took %v)", elapsed)
	}
	if !errors.Is(it.Err(), context.Canceled) {
		t.Fatalf("Err = %v, want context.Canceled", it.Err())
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 5 * time.Second},
		{"0", 0},
		{"12", 12 * time.Second},
		{" 3 ", 3 * time.Second},
		{"garbage", 5 * time.Second},
		{"-1", 5 * time.Second},
	}
	for _, c := range cases {
		if got := parseRetryAfter(c.in); got != c.want {
			t.Fatalf("parseRetryAfter(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
