// Package media resolves generic media descriptors (inline base64 or a
// remote URL) into raw bytes ready for an adapter send call.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

// Input is the media descriptor accepted on the send API.
type Input struct {
	URL      string `json:"url,omitempty"`
	Base64   string `json:"base64,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Built is resolved media: raw bytes plus the metadata adapters need.
type Built struct {
	Data     []byte
	Mimetype string
	Filename string
}

var dataURLRe = regexp.MustCompile(`^data:([^;]+);base64,(.+)$`)

var fetchClient = &http.Client{Timeout: 30 * time.Second}

// Build resolves an Input into bytes. Inline base64 wins over a URL.
func Build(ctx context.Context, in Input) (Built, error) {
	if in.Base64 != "" {
		mime := in.Mimetype
		data := in.Base64
		if strings.HasPrefix(data, "data:") {
			m := dataURLRe.FindStringSubmatch(data)
			if m == nil {
				return Built{}, errors.New("invalid data URL")
			}
			if mime == "" {
				mime = m[1]
			}
			data = m[2]
		}
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return Built{}, fmt.Errorf("decode base64 media: %w", err)
		}
		if mime == "" {
			mime = "application/octet-stream"
		}
		return Built{Data: raw, Mimetype: mime, Filename: ensureFilename(in.Filename, mime)}, nil
	}

	if in.URL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
		if err != nil {
			return Built{}, fmt.Errorf("build media request: %w", err)
		}
		resp, err := fetchClient.Do(req)
		if err != nil {
			return Built{}, fmt.Errorf("fetch media: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return Built{}, fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
		}
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return Built{}, fmt.Errorf("read media body: %w", err)
		}
		mime := in.Mimetype
		if mime == "" {
			mime = resp.Header.Get("Content-Type")
		}
		if mime == "" {
			mime = "application/octet-stream"
		}
		name := in.Filename
		if name == "" {
			name = filenameFromURL(in.URL)
		}
		return Built{Data: raw, Mimetype: mime, Filename: ensureFilename(name, mime)}, nil
	}

	return Built{}, errors.New("media.url or media.base64 is required")
}

// ToDataURL renders built media as a base64 data URL.
func ToDataURL(m Built) string {
	return fmt.Sprintf("data:%s;base64,%s", m.Mimetype, base64.StdEncoding.EncodeToString(m.Data))
}

var mimeExt = map[string]string{
	"image/jpeg":               "jpg",
	"image/png":                "png",
	"image/webp":               "webp",
	"image/gif":                "gif",
	"image/svg+xml":            "svg",
	"application/pdf":          "pdf",
	"application/zip":          "zip",
	"audio/mpeg":               "mp3",
	"audio/ogg":                "ogg",
	"video/mp4":                "mp4",
	"video/quicktime":          "mov",
	"application/octet-stream": "bin",
}

func ensureFilename(name, mime string) string {
	n := strings.TrimSpace(name)
	if n == "" {
		n = "file"
	}
	if strings.Contains(n, ".") {
		return n
	}
	if ext := mimeExt[strings.ToLower(strings.TrimSpace(mime))]; ext != "" {
		return n + "." + ext
	}
	return n
}

func filenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "file"
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return "file"
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		return unescaped
	}
	return base
}
