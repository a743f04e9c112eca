package writer

import (
	"encoding/base64"
	"testing"
)

// S3 ChecksumCRC32 형식(big-endian 4바이트 → base64) 고정 검증.
// 이 값이 틀리면 모든 part 업로드가 체크섬 불일치로 거부된다.
func TestCRC32Base64_KnownValue(t *testing.T) {
	if got := crc32Base64([]byte("abc")); got != "NSRBwg==" {
		t.Fatalf("crc32Base64(\"abc\") = %q, want %q", got, "NSRBwg==")
	}
}

func TestCRC32Base64_Encoding(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		[]byte("\n"),
		[]byte("hello world"),
	}
	for _, in := range cases {
		got := crc32Base64(in)
		raw, err := base64.StdEncoding.DecodeString(got)
		if err != nil {
			t.Fatalf("crc32Base64(%q) = %q: not valid base64: %v", in, got, err)
		}
		if len(raw) != 4 {
			t.Fatalf("crc32Base64(%q) decodes to %d bytes, want 4", in, len(raw))
		}
	}

	// 빈 입력의 CRC32는 0.
	if got := crc32Base64(nil); got != "AAAAAA==" {
		t.Fatalf("crc32Base64(nil) = %q, want %q", got, "AAAAAA==")
	}
}
