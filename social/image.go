package social

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"strings"

	_ "image/gif"
	_ "image/png"

	xdraw "golang.org/x/image/draw"

	"github.com/skyfleet-io/skyfleet/errors"
)

// MaxBlobBytes is the upstream blob size ceiling. Images over it are
// re-encoded smaller; images that cannot be brought under it fail with
// ErrBlobTooLarge rather than being truncated.
const MaxBlobBytes = 900 * 1024

// shrinkWidth is the target width for downscaled images.
const shrinkWidth = 1280

// shrinkQuality is the JPEG quality used when re-encoding.
const shrinkQuality = 80

// FetchImage resolves an image source to raw bytes and a MIME type.
// Supported sources: data: URIs and http(s) URLs.
func FetchImage(ctx context.Context, client *http.Client, src string) ([]byte, string, error) {
	if strings.HasPrefix(src, "data:") {
		return decodeDataURI(src)
	}
	if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
		return nil, "", errors.Wrapf(errors.ErrBadRequest, "unsupported image source %q", truncateSrc(src))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to build image request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to fetch image %s", truncateSrc(src))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", errors.Newf("image fetch %s returned %d", truncateSrc(src), resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to read image body")
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

func decodeDataURI(src string) ([]byte, string, error) {
	rest := strings.TrimPrefix(src, "data:")
	comma := strings.Index(rest, ",")
	if comma < 0 {
		return nil, "", errors.Wrap(errors.ErrBadRequest, "malformed data URI")
	}
	meta, payload := rest[:comma], rest[comma+1:]

	mime := "application/octet-stream"
	if semi := strings.Index(meta, ";"); semi >= 0 {
		if meta[:semi] != "" {
			mime = meta[:semi]
		}
	} else if meta != "" {
		mime = meta
	}

	if !strings.Contains(meta, "base64") {
		return nil, "", errors.Wrap(errors.ErrBadRequest, "data URI must be base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", errors.Wrap(errors.ErrBadRequest, "failed to decode data URI payload")
	}
	return data, mime, nil
}

// ShrinkToLimit returns image bytes no larger than MaxBlobBytes.
// Oversized images are downscaled to shrinkWidth and re-encoded as
// JPEG. Returns ErrBlobTooLarge when even the downscaled encoding
// exceeds the limit.
func ShrinkToLimit(data []byte, mime string) ([]byte, string, error) {
	if len(data) <= MaxBlobBytes {
		return data, mime, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.Wrapf(errors.ErrBlobTooLarge,
			"image is %d bytes and cannot be decoded for downscaling", len(data))
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width > shrinkWidth {
		height = height * shrinkWidth / width
		width = shrinkWidth
	}

	scaled := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), img, bounds, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: shrinkQuality}); err != nil {
		return nil, "", errors.Wrap(err, "failed to re-encode image")
	}
	if buf.Len() > MaxBlobBytes {
		return nil, "", errors.Wrapf(errors.ErrBlobTooLarge,
			"image still %d bytes after downscaling", buf.Len())
	}
	return buf.Bytes(), "image/jpeg", nil
}

func truncateSrc(src string) string {
	if len(src) > 80 {
		return src[:80] + "..."
	}
	return src
}
