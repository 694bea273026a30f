package codec

import (
	"errors"

	"github.com/asticode/go-astiav"
)

// classify turns an error returned by a CodecContext/BSFContext
// Send*/Receive* call into the three-way protocol spec §4.2 describes:
// EAGAIN is "needs more input", EOF is "end of stream", and everything else
// is a fatal codec error that must surface to the caller. astiav surfaces
// both as sentinel errors comparable with errors.Is, matching libav's own
// AVERROR(EAGAIN)/AVERROR_EOF convention.
func classify(err error) (status Status, fatal error) {
	switch {
	case err == nil:
		return StatusOutput, nil
	case errors.Is(err, astiav.ErrEagain):
		return StatusNeedMoreInput, nil
	case errors.Is(err, astiav.ErrEof):
		return StatusEndOfStream, nil
	default:
		return StatusOutput, err
	}
}
