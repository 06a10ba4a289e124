// Package companion is the signed companion client (C3): it fetches video
// metadata and stream format lists from the companion endpoint and picks the
// streams matching a quality preference.
//
// Modeled after the teacher's indexer/player_api.go JSON-decode-into-struct
// style, adapted to the companion endpoint's shared-secret auth instead of
// a provider API key.
package companion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/snapetech/cacheproxy/internal/apperr"
	"github.com/snapetech/cacheproxy/internal/httpclient"
	"github.com/snapetech/cacheproxy/internal/logging"
)

// Format is one elementary stream variant as reported by the companion
// endpoint.
type Format struct {
	Itag          int    `json:"itag"`
	URL           string `json:"url"`
	MimeType      string `json:"mimeType"`
	Bitrate       int64  `json:"bitrate"`
	ContentLength int64  `json:"contentLength,omitempty"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
}

// ContentType returns the MIME type's top-level type ("video", "audio", …).
func (f Format) ContentType() string {
	if i := strings.IndexByte(f.MimeType, '/'); i >= 0 {
		return f.MimeType[:i]
	}
	return f.MimeType
}

// VideoInfo is the companion endpoint's response for one video.
type VideoInfo struct {
	Title            string   `json:"title"`
	Author           string   `json:"author"`
	ChannelID        string   `json:"channelId"`
	Description      string   `json:"description"`
	LengthSeconds    int      `json:"lengthSeconds"`
	AdaptiveFormats  []Format `json:"adaptiveFormats"`
	CombinedFormats  []Format `json:"combinedFormats"`
}

// SelectedStreams is the result of SelectBestStreams: either a separate
// video+audio pair, or a single Combined format (never both).
type SelectedStreams struct {
	Video    *Format
	Audio    *Format
	Combined *Format
}

// Client talks to the companion endpoint.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	log     *logging.Logger
}

// New builds a Client for baseURL, authenticating with secret as a query
// parameter per the companion endpoint's contract.
func New(baseURL, secret string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    httpclient.Default(),
		log:     logging.New("companion"),
	}
}

// GetVideoInfo fetches metadata and stream formats for videoID.
func (c *Client) GetVideoInfo(ctx context.Context, videoID string) (*VideoInfo, error) {
	u := fmt.Sprintf("%s/api/v1/videos/%s?key=%s", c.baseURL, url.PathEscape(videoID), url.QueryEscape(c.secret))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNetwork, apperr.CodeInvalidResponse, "build companion request", err)
	}

	resp, err := httpclient.DoWithRetry(ctx, c.http, req, httpclient.CompanionRetryPolicy)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNetwork, apperr.CodeTimeout, "companion request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindNetwork, apperr.CodeInvalidResponse,
			fmt.Sprintf("companion returned HTTP %d for video %s", resp.StatusCode, videoID))
	}

	var info VideoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, apperr.Wrap(apperr.KindNetwork, apperr.CodeInvalidResponse, "decode companion response", err)
	}
	c.log.Infof("fetched video info %s", logging.Fields("videoId", videoID, "adaptive", len(info.AdaptiveFormats), "combined", len(info.CombinedFormats)))
	return &info, nil
}

// SelectBestStreams implements the preference-driven stream selection:
// best|worst|<N>p for video, always-max-bitrate for audio, falling back to
// the best combined format when no adaptive split exists.
func SelectBestStreams(info *VideoInfo, preference string) (SelectedStreams, error) {
	if len(info.AdaptiveFormats) == 0 {
		if best := bestCombined(info.CombinedFormats); best != nil {
			return SelectedStreams{Combined: best}, nil
		}
		return SelectedStreams{}, apperr.New(apperr.KindDownload, apperr.CodeNoStreams, "No suitable streams found")
	}

	var videoFormats, audioFormats []Format
	for _, f := range info.AdaptiveFormats {
		switch f.ContentType() {
		case "video":
			videoFormats = append(videoFormats, f)
		case "audio":
			audioFormats = append(audioFormats, f)
		}
	}
	if len(videoFormats) == 0 || len(audioFormats) == 0 {
		if best := bestCombined(info.CombinedFormats); best != nil {
			return SelectedStreams{Combined: best}, nil
		}
		return SelectedStreams{}, apperr.New(apperr.KindDownload, apperr.CodeNoStreams, "No suitable streams found")
	}

	video := selectVideoFormat(videoFormats, preference)
	audio := selectAudioFormat(audioFormats)
	if video == nil || audio == nil {
		return SelectedStreams{}, apperr.New(apperr.KindDownload, apperr.CodeNoStreams, "No suitable streams found")
	}
	return SelectedStreams{Video: video, Audio: audio}, nil
}

func selectVideoFormat(formats []Format, preference string) *Format {
	switch {
	case preference == "best":
		return bestByHeightThenBitrate(formats)
	case preference == "worst":
		return worstByHeightThenBitrate(formats)
	case strings.HasSuffix(preference, "p"):
		n, err := strconv.Atoi(strings.TrimSuffix(preference, "p"))
		if err != nil {
			return bestByHeightThenBitrate(formats)
		}
		var candidates []Format
		for _, f := range formats {
			if f.Height <= n {
				candidates = append(candidates, f)
			}
		}
		if len(candidates) == 0 {
			return worstByHeightThenBitrate(formats)
		}
		return bestByHeightThenBitrate(candidates)
	default:
		return bestByHeightThenBitrate(formats)
	}
}

func bestByHeightThenBitrate(formats []Format) *Format {
	best := formats[0]
	for _, f := range formats[1:] {
		if f.Height > best.Height || (f.Height == best.Height && f.Bitrate > best.Bitrate) {
			best = f
		}
	}
	return &best
}

func worstByHeightThenBitrate(formats []Format) *Format {
	worst := formats[0]
	for _, f := range formats[1:] {
		if f.Height < worst.Height || (f.Height == worst.Height && f.Bitrate < worst.Bitrate) {
			worst = f
		}
	}
	return &worst
}

func selectAudioFormat(formats []Format) *Format {
	best := formats[0]
	for _, f := range formats[1:] {
		if f.Bitrate > best.Bitrate {
			best = f
		}
	}
	return &best
}

func bestCombined(formats []Format) *Format {
	if len(formats) == 0 {
		return nil
	}
	best := formats[0]
	for _, f := range formats[1:] {
		if f.Height > best.Height || (f.Height == best.Height && f.Bitrate > best.Bitrate) {
			best = f
		}
	}
	return &best
}
