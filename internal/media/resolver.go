// Package media turns client image references (inline data: URIs and remote
// URLs) into backend inline-data parts. Remote images go through the asset
// cache. Nothing here fails a request: every problem degrades to a short text
// placeholder part that tells the model an image was omitted.
package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/felipepmaragno/gemini-gateway/internal/cache"
	"github.com/felipepmaragno/gemini-gateway/internal/gemini"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
)

// Subtypes the backend accepts. GIF is absent: the backend does
// not take it and the gateway does not transcode.
var supportedSubtypes = map[string]bool{
	"png":  true,
	"jpeg": true,
	"webp": true,
	"heic": true,
	"heif": true,
}

type Config struct {
	FetchTimeout time.Duration
	MaxBytes     int64
}

func DefaultConfig() Config {
	return Config{
		FetchTimeout: 10 * time.Second,
		MaxBytes:     20 << 20,
	}
}

type Resolver struct {
	cache  cache.Cache
	client *http.Client
	cfg    Config
}

func NewResolver(c cache.Cache, client *http.Client, cfg Config) *Resolver {
	def := DefaultConfig()
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Resolver{cache: c, client: client, cfg: cfg}
}

// Resolve returns the backend part for an image reference.
func (r *Resolver) Resolve(ctx context.Context, ref string) gemini.Part {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "data:") {
		return r.inline(ref)
	}
	return r.remote(ctx, ref)
}

func (r *Resolver) inline(ref string) gemini.Part {
	header, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return placeholder("malformed data URI")
	}

	params := strings.Split(header, ";")
	declared := strings.ToLower(strings.TrimSpace(params[0]))
	isBase64 := false
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}
	if !isBase64 {
		return placeholder("inline image data must be base64 encoded")
	}

	if int64(base64.StdEncoding.DecodedLen(len(payload))) > r.cfg.MaxBytes+2 {
		return placeholder(fmt.Sprintf("image exceeds %s", humanSize(r.cfg.MaxBytes)))
	}

	data, err := decodeBase64(payload)
	if err != nil {
		return placeholder("invalid base64 image data")
	}

	return r.toPart(declared, data)
}

func (r *Resolver) remote(ctx context.Context, ref string) gemini.Part {
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return placeholder("unsupported image reference")
	}

	if r.cache != nil {
		if asset, ok := r.cache.Get(ctx, ref); ok {
			metrics.RecordCacheHit()
			return inlinePart(asset.MimeType, asset.Data)
		}
		metrics.RecordCacheMiss()
	}

	data, contentType, err := r.fetch(ctx, ref)
	if err != nil {
		slog.Warn("image fetch failed", "url", redactURL(u), "error", err)
		return placeholder("image could not be fetched")
	}

	part := r.toPart(contentType, data)
	if part.InlineData == nil {
		return part
	}

	if r.cache != nil {
		asset := &cache.Asset{Data: data, MimeType: part.InlineData.MimeType}
		if err := r.cache.Set(ctx, ref, asset); err != nil {
			slog.Warn("failed to cache image", "url", redactURL(u), "error", err)
		}
	}
	return part
}

func (r *Resolver) fetch(ctx context.Context, ref string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > r.cfg.MaxBytes {
		return nil, "", fmt.Errorf("image exceeds %s", humanSize(r.cfg.MaxBytes))
	}

	return data, resp.Header.Get("Content-Type"), nil
}

// toPart validates the payload and picks its MIME type: the declared type
// when it is specific, otherwise whatever the bytes sniff as.
func (r *Resolver) toPart(declared string, data []byte) gemini.Part {
	if int64(len(data)) > r.cfg.MaxBytes {
		return placeholder(fmt.Sprintf("image exceeds %s", humanSize(r.cfg.MaxBytes)))
	}
	if len(data) == 0 {
		return placeholder("empty image data")
	}

	mimeType := baseMediaType(declared)
	if mimeType == "" || mimeType == "application/octet-stream" || mimeType == "binary/octet-stream" {
		mimeType = baseMediaType(mimetype.Detect(data).String())
	}

	major, subtype, _ := strings.Cut(mimeType, "/")
	if major != "image" {
		return placeholder(fmt.Sprintf("unsupported media type %s", mimeType))
	}
	if subtype == "jpg" {
		subtype = "jpeg"
		mimeType = "image/jpeg"
	}
	if !supportedSubtypes[subtype] {
		return placeholder(fmt.Sprintf("unsupported image format %s", mimeType))
	}

	return inlinePart(mimeType, data)
}

func inlinePart(mimeType string, data []byte) gemini.Part {
	return gemini.Part{InlineData: &gemini.Blob{
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}}
}

func placeholder(reason string) gemini.Part {
	return gemini.Part{Text: "[image omitted: " + reason + "]"}
}

func baseMediaType(v string) string {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(v, ";")[0]))
	}
	return mt
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func humanSize(n int64) string {
	if n >= 1<<20 && n%(1<<20) == 0 {
		return fmt.Sprintf("%d MiB", n>>20)
	}
	return fmt.Sprintf("%d bytes", n)
}

func redactURL(u *url.URL) string {
	return u.Scheme + "://" + u.Host + u.Path
}
