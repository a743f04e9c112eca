// internal/writer/checksum.go
package writer

import (
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
)

// crc32Base64
// ------------------------------------------------------------
// part payload의 CRC32(IEEE) 체크섬을 big-endian 4바이트로 만들어
// base64(std) 인코딩한다. S3 multipart upload의 ChecksumCRC32
// 필드가 요구하는 정확한 형식이다.
//
// 예: crc32Base64([]byte("abc")) == "NSRBwg=="
func crc32Base64(data []byte) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], crc32.ChecksumIEEE(data))
	return base64.StdEncoding.EncodeToString(b[:])
}
