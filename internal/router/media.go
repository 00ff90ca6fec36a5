package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/mxsms/mxsms/internal/matrix"
)

// maxMediaBytes bounds how much attachment data is fetched for re-hosting.
const maxMediaBytes = 25 << 20

// deliverMedia fetches one gateway attachment and re-hosts it on the chat
// network's content store, then posts it as a media event.
func (r *Router) deliverMedia(ctx context.Context, asUser id.UserID, roomID id.RoomID, ref MediaRef) error {
	data, mimeType, filename, err := r.fetchMedia(ctx, ref)
	if err != nil {
		return err
	}

	uri, err := r.client.UploadMedia(ctx, asUser, data, mimeType, filename)
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}

	if _, err := r.client.SendMedia(ctx, asUser, roomID, matrix.Media{
		MsgType:  msgTypeForMIME(mimeType),
		URI:      uri,
		MimeType: mimeType,
		Filename: filename,
		Size:     len(data),
	}); err != nil {
		return fmt.Errorf("send media event: %w", err)
	}
	return nil
}

func (r *Router) fetchMedia(ctx context.Context, ref MediaRef) (data []byte, mimeType, filename string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, "", "", fmt.Errorf("build media request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, "", "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", "", fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", "", fmt.Errorf("read media: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, "", "", fmt.Errorf("media exceeds %d bytes", maxMediaBytes)
	}

	mimeType = normalizeMIME(ref.ContentType)
	if mimeType == "" {
		mimeType = normalizeMIME(resp.Header.Get("Content-Type"))
	}
	if mimeType == "" && len(data) > 0 {
		mimeType = normalizeMIME(http.DetectContentType(data))
	}

	filename = "attachment"
	if parsed, err := url.Parse(ref.URL); err == nil {
		if base := path.Base(parsed.Path); base != "" && base != "." && base != "/" {
			filename = base
		}
	}
	return data, mimeType, filename, nil
}

// normalizeMIME lowercases a MIME type and strips parameters.
func normalizeMIME(raw string) string {
	mimeType := strings.ToLower(strings.TrimSpace(raw))
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}
	return mimeType
}

// msgTypeForMIME picks the message type for a re-hosted attachment by MIME
// prefix.
func msgTypeForMIME(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "video/"):
		return "m.video"
	case strings.HasPrefix(mimeType, "image/"):
		return "m.image"
	default:
		return "m.file"
	}
}
