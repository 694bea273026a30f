package mux

import (
	"testing"

	"github.com/asticode/go-astiav"
)

func skipIfNoFFmpegLibs(t *testing.T) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("skipping: FFmpeg shared libraries unavailable (%v)", r)
		}
	}()
	if f := astiav.FindMuxerByName("mp4"); f == nil {
		t.Skip("skipping: \"mp4\" muxer not registered, FFmpeg libraries unavailable")
	}
}
