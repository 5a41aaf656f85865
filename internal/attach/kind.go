// Package attach resolves inbound media and links into attachment
// descriptors. Media bytes are stored under a media root with relative,
// content-addressed locators; the pipeline only ever sees the locator.
package attach

import (
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"groupvault/internal/types"
)

var documentMIMEs = map[string]bool{
	"application/pdf":               true,
	"application/msword":            true,
	"application/vnd.ms-excel":      true,
	"application/vnd.ms-powerpoint": true,
	"application/zip":               true,
	"application/x-zip-compressed":  true,
	"application/rtf":               true,
	"application/json":              true,
	"text/plain":                    true,
	"text/csv":                      true,
}

// KindForMIME classifies a MIME type. Unsupported types return KindNone.
func KindForMIME(mimeType string) types.AttachmentKind {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(mimeType))
	}
	switch {
	case mt == "":
		return types.KindNone
	case strings.HasPrefix(mt, "image/"):
		return types.KindImage
	case strings.HasPrefix(mt, "video/"):
		return types.KindVideo
	case strings.HasPrefix(mt, "audio/"):
		return types.KindAudio
	case documentMIMEs[mt],
		strings.HasPrefix(mt, "application/vnd.openxmlformats-officedocument."),
		strings.HasPrefix(mt, "application/vnd.oasis.opendocument."):
		return types.KindDocument
	}
	return types.KindNone
}

// KindForMessageType maps the adapter's message type names.
func KindForMessageType(msgType string) types.AttachmentKind {
	switch msgType {
	case "image", "sticker":
		return types.KindImage
	case "video", "gif":
		return types.KindVideo
	case "audio", "ptt":
		return types.KindAudio
	case "document":
		return types.KindDocument
	}
	return types.KindNone
}

var preferredExt = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"video/mp4":       ".mp4",
	"video/3gpp":      ".3gp",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"audio/mp4":       ".m4a",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

var defaultExt = map[types.AttachmentKind]string{
	types.KindImage:    ".jpg",
	types.KindVideo:    ".mp4",
	types.KindAudio:    ".ogg",
	types.KindDocument: ".bin",
}

// Extension infers a file extension from the filename, then the MIME type,
// then the kind.
func Extension(kind types.AttachmentKind, mimeType, filename string) string {
	if ext := strings.ToLower(path.Ext(filename)); ext != "" && len(ext) <= 6 {
		return ext
	}
	mt, _, err := mime.ParseMediaType(mimeType)
	if err == nil {
		if ext, ok := preferredExt[mt]; ok {
			return ext
		}
		if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
			return exts[0]
		}
	}
	if ext, ok := defaultExt[kind]; ok {
		return ext
	}
	return ".bin"
}

// Locator builds the relative storage handle for an attachment:
// <kind>/<yyyy-mm>/<unix>_<tag><ext>.
func Locator(kind types.AttachmentKind, ts time.Time, tag, ext string) string {
	ts = ts.UTC()
	return fmt.Sprintf("%s/%s/%d_%s%s", kind, ts.Format("2006-01"), ts.Unix(), tag, ext)
}

// SynthesizeQuotedLocator guesses where a quoted message's media would
// have been stored when the original locator is unknown. The result is
// deterministic but not guaranteed to exist.
func SynthesizeQuotedLocator(q types.QuotedMessage) (types.AttachmentKind, string) {
	kind := KindForMessageType(q.Type)
	if kind == types.KindNone {
		kind = KindForMIME(q.MimeType)
	}
	if kind == types.KindNone {
		kind = types.KindDocument
	}
	ts := time.Unix(q.Timestamp, 0)
	return kind, Locator(kind, ts, "quoted", Extension(kind, q.MimeType, q.Filename))
}
