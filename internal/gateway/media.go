package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/mesabot/internal/bus"
	"github.com/nextlevelbuilder/mesabot/internal/transport"
)

// downloader fetches one attachment through the bridge. Implemented by
// transport.Conn; narrowed here so tests can stub it.
type downloader interface {
	Download(ctx context.Context, chat, messageID string) ([]byte, string, error)
}

// MediaStore downloads attachments into per-kind directories and rewrites
// oversized images in place.
type MediaStore struct {
	root     string
	maxEdge  int
	fetch    downloader
	disabled bool
}

func NewMediaStore(root string, maxEdge int, fetch downloader, disabled bool) *MediaStore {
	return &MediaStore{root: root, maxEdge: maxEdge, fetch: fetch, disabled: disabled}
}

var mediaSubdirs = map[bus.MessageKind]string{
	bus.KindImage:    "images",
	bus.KindVideo:    "videos",
	bus.KindAudio:    "audio",
	bus.KindDocument: "documents",
	bus.KindSticker:  "stickers",
}

// Fetch downloads the attachment behind msg and fills in Media.Path. Location
// and contact messages carry no file; download failures leave the message
// usable with an empty path.
func (s *MediaStore) Fetch(ctx context.Context, msg *bus.InboundMessage) error {
	if s.disabled || msg.Media == nil {
		return nil
	}
	sub, ok := mediaSubdirs[msg.Media.Kind]
	if !ok {
		return nil
	}

	data, mimeType, err := s.fetch.Download(ctx, msg.Chat, msg.ID)
	if err != nil {
		return fmt.Errorf("download %s attachment %s: %w", msg.Media.Kind, msg.ID, err)
	}
	if mimeType == "" {
		mimeType = msg.Media.Mime
	}

	dir := filepath.Join(s.root, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create media dir %s: %w", dir, err)
	}

	name := fmt.Sprintf("%s_%s%s",
		msg.Timestamp.UTC().Format("2006-01-02T15-04-05Z"),
		sanitizeID(msg.ID),
		extensionFor(mimeType, msg.Media.Filename))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write attachment %s: %w", path, err)
	}

	if msg.Media.Kind == bus.KindImage && s.maxEdge > 0 {
		if err := downscaleImage(path, s.maxEdge); err != nil {
			slog.Warn("image downscale skipped", "path", path, "error", err)
		}
	}

	msg.Media.Path = path
	msg.Media.Size = int64(len(data))
	if msg.Media.Mime == "" {
		msg.Media.Mime = mimeType
	}
	return nil
}

// downscaleImage rewrites path when either edge exceeds maxEdge, preserving
// aspect ratio. Non-decodable formats (webp stickers and the like) are left
// as downloaded.
func downscaleImage(path string, maxEdge int) error {
	img, err := imaging.Open(path)
	if err != nil {
		return err
	}
	b := img.Bounds()
	if b.Dx() <= maxEdge && b.Dy() <= maxEdge {
		return nil
	}
	if b.Dx() >= b.Dy() {
		img = imaging.Resize(img, maxEdge, 0, imaging.Lanczos)
	} else {
		img = imaging.Resize(img, 0, maxEdge, imaging.Lanczos)
	}
	return imaging.Save(img, path)
}

// extensionFor derives a file extension, preferring the original filename,
// then the MIME registry, then a small table of WhatsApp staples the registry
// maps poorly.
func extensionFor(mimeType, filename string) string {
	if ext := filepath.Ext(filename); ext != "" {
		return strings.ToLower(ext)
	}
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "audio/ogg", "audio/ogg; codecs=opus":
		return ".ogg"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// sanitizeID strips path-hostile characters out of message IDs before they
// become filenames.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '-'
		}
	}, id)
}

var _ downloader = (*transport.Conn)(nil)
