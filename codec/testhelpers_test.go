package codec_test

import (
	"testing"

	"github.com/asticode/go-astiav"
)

// skipIfNoFFmpegLibs skips cgo-backed integration tests when the libav
// shared libraries this module links against cannot be probed (a minimal
// no-op codec lookup is used as the capability probe rather than attempting
// to open a real codec, which would need real media to feed it).
func skipIfNoFFmpegLibs(t *testing.T) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("libav runtime not available in this environment: %v", r)
		}
	}()
	if astiav.FindDecoder(astiav.CodecIDH264) == nil {
		t.Skip("libav build does not include an h264 decoder")
	}
}
