package demux

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/podfirst/node-av-go/avcore"
)

// HLSConfig configures OpenHLS.
type HLSConfig struct {
	// URL is the top-level playlist: a master (multivariant) or media
	// playlist.
	URL string

	HTTPClient *http.Client

	// VariantSelector picks a rendition from a multivariant playlist's
	// variants; when it is nil, or returns nil, the highest-bandwidth variant
	// is used (the first listed one among variants of equal bandwidth).
	VariantSelector func(variants []*playlist.MultivariantVariant) *playlist.MultivariantVariant

	Options map[string]string
}

// OpenHLS resolves cfg.URL to a concrete media-playlist URL using gohlslib's
// playlist parser (following a multivariant playlist down to one rendition,
// the way the teacher's HLSDemuxer "switch[es] to variant playlist"), then
// hands that URL to astiav's native HLS/MPEG-TS demuxer via Open: libavformat
// fetches and demuxes segments itself from there, so the only thing this
// layer owns is picking which rendition to follow.
func OpenHLS(ctx context.Context, cfg HLSConfig) (*Demuxer, error) {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	mediaURL, err := resolveMediaPlaylistURL(ctx, client, cfg.URL, cfg.VariantSelector)
	if err != nil {
		return nil, avcore.Wrap("demux.OpenHLS", avcore.KindProtocol, err)
	}

	return Open(ctx, Config{URL: mediaURL, Options: cfg.Options})
}

func resolveMediaPlaylistURL(ctx context.Context, client *http.Client, playlistURL string, selector func([]*playlist.MultivariantVariant) *playlist.MultivariantVariant) (string, error) {
	body, err := fetch(ctx, client, playlistURL)
	if err != nil {
		return "", fmt.Errorf("fetching playlist %q: %w", playlistURL, err)
	}

	parsed, err := playlist.Unmarshal(body)
	if err != nil {
		return "", fmt.Errorf("parsing playlist %q: %w", playlistURL, err)
	}

	multi, ok := parsed.(*playlist.Multivariant)
	if !ok {
		return playlistURL, nil // already a media playlist
	}
	if len(multi.Variants) == 0 {
		return "", fmt.Errorf("multivariant playlist %q has no variants", playlistURL)
	}

	var variant *playlist.MultivariantVariant
	if selector != nil {
		variant = selector(multi.Variants)
	}
	if variant == nil {
		variant = highestBandwidth(multi.Variants)
	}
	return resolveURL(playlistURL, variant.URI), nil
}

func highestBandwidth(variants []*playlist.MultivariantVariant) *playlist.MultivariantVariant {
	best := variants[0]
	for _, v := range variants[1:] {
		if v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best
}

func resolveURL(base, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

func fetch(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d fetching %s", resp.StatusCode, rawURL)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(string(data), "#EXTM3U") {
		return nil, fmt.Errorf("%s: not an HLS playlist", rawURL)
	}
	return data, nil
}
