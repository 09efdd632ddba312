// Package media implements the outbound media pipeline: loading from URL
// or disk, mime sniffing, image recompression, and MEDIA: token parsing
// from agent output.
package media

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// Size limits (defaults; per-channel overridable).
const (
	// MaxImageBytes is the post-compression image ceiling (6 MB hard cap).
	MaxImageBytes = 6 * 1024 * 1024

	// MaxAudioVideoBytes bounds audio and video attachments.
	MaxAudioVideoBytes = 16 * 1024 * 1024

	// MaxDocumentBytes bounds document attachments.
	MaxDocumentBytes = 100 * 1024 * 1024

	// DefaultImageTargetMb is the recompression target (mediaMaxMb).
	DefaultImageTargetMb = 5.0

	// MaxDimension is the longest image side after recompression.
	MaxDimension = 2048
)

// DownloadTimeout is the maximum time to wait for a URL fetch.
const DownloadTimeout = 30 * time.Second

// Item is a loaded media attachment ready for a channel send.
type Item struct {
	Data     []byte
	Mime     string
	FileName string
}

// IsImage reports whether the item is an image.
func (i *Item) IsImage() bool { return strings.HasPrefix(i.Mime, "image/") }

// IsAudio reports whether the item is audio.
func (i *Item) IsAudio() bool { return strings.HasPrefix(i.Mime, "audio/") }

// IsVideo reports whether the item is video.
func (i *Item) IsVideo() bool { return strings.HasPrefix(i.Mime, "video/") }

// Load fetches a media reference (https URL or local path), sniffs its
// mime type, and recompresses oversized images. GIFs pass through
// byte-for-byte.
func Load(ref string, targetMb float64) (*Item, error) {
	var data []byte
	var name string
	var err error

	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") {
		data, err = fetch(ref)
		name = filepath.Base(strings.SplitN(ref, "?", 2)[0])
	} else {
		data, err = os.ReadFile(ref)
		name = filepath.Base(ref)
	}
	if err != nil {
		return nil, err
	}

	item := &Item{
		Data:     data,
		Mime:     Sniff(data, name),
		FileName: name,
	}

	if err := item.enforceLimits(targetMb); err != nil {
		return nil, err
	}
	return item, nil
}

// enforceLimits recompresses or rejects oversized payloads.
func (i *Item) enforceLimits(targetMb float64) error {
	switch {
	case i.Mime == "image/gif":
		// GIFs are preserved byte-for-byte (no reencoding).
		if len(i.Data) > MaxImageBytes {
			return fmt.Errorf("gif exceeds %d MB limit", MaxImageBytes/(1024*1024))
		}
		return nil
	case i.IsImage():
		optimized, mimeType, err := CompressImage(i.Data, targetMb)
		if err != nil {
			return err
		}
		i.Data = optimized
		i.Mime = mimeType
		return nil
	case i.IsAudio(), i.IsVideo():
		if len(i.Data) > MaxAudioVideoBytes {
			return fmt.Errorf("media exceeds %d MB limit", MaxAudioVideoBytes/(1024*1024))
		}
		return nil
	default:
		if len(i.Data) > MaxDocumentBytes {
			return fmt.Errorf("document exceeds %d MB limit", MaxDocumentBytes/(1024*1024))
		}
		return nil
	}
}

// fetch downloads a URL with a bounded client.
func fetch(url string) ([]byte, error) {
	client := &http.Client{Timeout: DownloadTimeout}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read media body: %w", err)
	}
	if len(data) > MaxDocumentBytes {
		return nil, fmt.Errorf("media exceeds %d MB limit", MaxDocumentBytes/(1024*1024))
	}
	return data, nil
}

// Sniff detects a mime type: magic bytes first, then the filename
// extension, then a safe default.
func Sniff(data []byte, name string) string {
	if mt := mimetype.Detect(data); mt.String() != "application/octet-stream" {
		return mt.String()
	}
	if ext := filepath.Ext(name); ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			// Strip parameters like "; charset=utf-8"
			return strings.SplitN(byExt, ";", 2)[0]
		}
	}
	return "application/octet-stream"
}
