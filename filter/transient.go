package filter

import (
	"errors"

	"github.com/asticode/go-astiav"

	"github.com/podfirst/node-av-go/avcore"
)

// classify mirrors codec.classify for buffersrc/buffersink's EAGAIN/EOF
// sentinel errors.
func classify(err error) (status avcore.Status, fatal error) {
	switch {
	case err == nil:
		return avcore.StatusOutput, nil
	case errors.Is(err, astiav.ErrEagain):
		return avcore.StatusNeedMoreInput, nil
	case errors.Is(err, astiav.ErrEof):
		return avcore.StatusEndOfStream, nil
	default:
		return avcore.StatusOutput, err
	}
}
