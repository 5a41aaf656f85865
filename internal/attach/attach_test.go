package attach

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"groupvault/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)

func TestKindForMIME(t *testing.T) {
	tests := []struct {
		mime string
		want types.AttachmentKind
	}{
		{"image/jpeg", types.KindImage},
		{"image/webp", types.KindImage},
		{"video/mp4", types.KindVideo},
		{"audio/ogg; codecs=opus", types.KindAudio},
		{"application/pdf", types.KindDocument},
		{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", types.KindDocument},
		{"text/plain", types.KindDocument},
		{"application/x-msdownload", types.KindNone},
		{"", types.KindNone},
		{"garbage", types.KindNone},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			assert.Equal(t, tt.want, KindForMIME(tt.mime))
		})
	}
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".pdf", Extension(types.KindDocument, "application/octet-stream", "Report.PDF"))
	assert.Equal(t, ".jpg", Extension(types.KindImage, "image/jpeg", ""))
	assert.Equal(t, ".ogg", Extension(types.KindAudio, "audio/ogg; codecs=opus", ""))
	assert.Equal(t, ".mp4", Extension(types.KindVideo, "", ""))
	assert.Equal(t, ".bin", Extension(types.KindNone, "", ""))
}

func TestLocatorLayout(t *testing.T) {
	got := Locator(types.KindImage, ts, "abc123", ".jpg")
	assert.Equal(t, fmt.Sprintf("image/2026-02/%d_abc123.jpg", ts.Unix()), got)
}

func TestSynthesizeQuotedLocator(t *testing.T) {
	kind, loc := SynthesizeQuotedLocator(types.QuotedMessage{Type: "video", Timestamp: ts.Unix()})
	assert.Equal(t, types.KindVideo, kind)
	assert.Equal(t, fmt.Sprintf("video/2026-02/%d_quoted.mp4", ts.Unix()), loc)

	// Deterministic.
	_, again := SynthesizeQuotedLocator(types.QuotedMessage{Type: "video", Timestamp: ts.Unix()})
	assert.Equal(t, loc, again)

	kind, loc = SynthesizeQuotedLocator(types.QuotedMessage{Type: "ptt", Timestamp: ts.Unix()})
	assert.Equal(t, types.KindAudio, kind)
	assert.True(t, strings.HasSuffix(loc, ".ogg"))

	kind, _ = SynthesizeQuotedLocator(types.QuotedMessage{Type: "unknown", MimeType: "application/pdf"})
	assert.Equal(t, types.KindDocument, kind)
}

func TestFiles_ResolveMedia(t *testing.T) {
	root := t.TempDir()
	f := NewFiles(root)
	data := []byte("\xff\xd8\xff\xe0 fake jpeg")

	desc, err := f.ResolveMedia(context.Background(), types.MediaRef{MimeType: "image/jpeg", Data: data}, ts)
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, types.KindImage, desc.Kind)
	assert.True(t, strings.HasPrefix(desc.Locator, "image/2026-02/"))

	stored, err := os.ReadFile(f.Path(desc.Locator))
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	again, err := f.ResolveMedia(context.Background(), types.MediaRef{MimeType: "image/jpeg", Data: data}, ts)
	require.NoError(t, err)
	assert.Equal(t, desc.Locator, again.Locator)

	other, err := f.ResolveMedia(context.Background(), types.MediaRef{MimeType: "image/jpeg", Data: []byte("different")}, ts)
	require.NoError(t, err)
	assert.NotEqual(t, desc.Locator, other.Locator)
}

func TestFiles_UnsupportedYieldsNothing(t *testing.T) {
	f := NewFiles(t.TempDir())
	desc, err := f.ResolveMedia(context.Background(), types.MediaRef{MimeType: "application/x-msdownload", Data: []byte("MZ")}, ts)
	assert.NoError(t, err)
	assert.Nil(t, desc)

	desc, err = f.ResolveMedia(context.Background(), types.MediaRef{MimeType: "image/png"}, ts)
	assert.NoError(t, err)
	assert.Nil(t, desc)
}

func TestLinks_RejectsNonHTTP(t *testing.T) {
	l := NewLinks(LinkOptions{})
	for _, raw := range []string{"ftp://x.test/a", "mailto:a@b.c", "http://", "::nope"} {
		_, err := l.ResolveLink(context.Background(), raw)
		assert.ErrorIs(t, err, ErrInvalidLink, raw)
	}
}

func TestLinks_NoPreview(t *testing.T) {
	l := NewLinks(LinkOptions{})
	desc, err := l.ResolveLink(context.Background(), "http://x.test/a")
	require.NoError(t, err)
	assert.Equal(t, types.AttachmentDescriptor{Kind: types.KindLink, Locator: "http://x.test/a"}, *desc)
}

func TestLinks_PreviewTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		switch r.URL.Path {
		case "/title":
			fmt.Fprint(w, `<html><head><title>  Weekly &amp; Notes
			</title></head><body>x</body></html>`)
		case "/og":
			fmt.Fprint(w, `<html><head><meta property="og:title" content="Shared doc"></head><body></body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tests := []struct {
		name string
		path string
		want string
	}{
		{"title element", "/title", "Weekly & Notes"},
		{"og title", "/og", "Shared doc"},
		{"failed preview", "/missing", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLinks(LinkOptions{Preview: true, Client: srv.Client()})
			desc, err := l.ResolveLink(context.Background(), srv.URL+tt.path)
			require.NoError(t, err, "a failed preview must not fail resolution")
			assert.Equal(t, tt.want, desc.Title)
			assert.Equal(t, srv.URL+tt.path, desc.Locator)
		})
	}
}

func TestLinks_BurstAllowsBackToBackPreviews(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<title>page %s</title>`, strings.TrimPrefix(r.URL.Path, "/"))
	}))
	defer srv.Close()

	l := NewLinks(LinkOptions{Preview: true, RatePerSec: 0.001, Burst: 3, Client: srv.Client()})
	var titles []string
	for _, p := range []string{"a", "b", "c", "d"} {
		desc, err := l.ResolveLink(context.Background(), srv.URL+"/"+p)
		require.NoError(t, err)
		titles = append(titles, desc.Title)
	}
	assert.Equal(t, []string{"page a", "page b", "page c", ""}, titles)
}

func TestLinks_PreviewRateLimited(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<title>t</title>`)
	}))
	defer srv.Close()

	l := NewLinks(LinkOptions{Preview: true, RatePerSec: 0.001, Client: srv.Client()})
	for i := 0; i < 3; i++ {
		desc, err := l.ResolveLink(context.Background(), srv.URL)
		require.NoError(t, err)
		require.NotNil(t, desc)
	}
	assert.Equal(t, int32(1), hits.Load())
}
