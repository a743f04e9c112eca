package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// writer는 part 경계마다 버퍼와 gzip.Writer를 새로 쓰기 시작한다.
// 큰 수집 구간에서는 part가 수십 개까지 만들어지므로,
// 매 part마다 8MiB급 버퍼와 gzip writer를 새로 할당하지 않도록
// 재사용한다.
// ---------------------------------------------------------------

var (
	// BufferPool:
	//   - 압축 결과를 누적하는 part 버퍼
	//   - 초기 용량 256KB, part 임계값까지 자연 성장
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 256*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer 재사용 (매번 new 하면 비용 매우 큼)
	//   - BestSpeed: collector는 처리량 우선, 압축률은 차선
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// Pool에 되돌려줄 최대 버퍼 용량.
// part 임계값(기본 8MiB)을 크게 넘겨 성장한 버퍼는
// 풀에 넣지 않고 GC에게 위임해 메모리 폭주를 예방.
const MaxBufferCap = 16 * 1024 * 1024 // 16MiB

// PutBuffer:
//   - part 버퍼 반환. MaxBufferCap 이하일 때만 재사용.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}
