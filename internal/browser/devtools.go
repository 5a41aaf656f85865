package browser

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/go-rod/rod/lib/cdp"
)

// connWatch closes the DevTools connection if the connect context ends
// before release is called.
type connWatch struct {
	net.Dialer
	conn net.Conn
	stop func() bool
}

func (w *connWatch) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := w.Dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	w.conn = conn
	w.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })
	return conn, nil
}

// release detaches the watch. It reports false when the connection was
// already closed because the context ended.
func (w *connWatch) release() bool {
	if w.stop == nil {
		return true
	}
	stopped := w.stop()
	w.stop = func() bool { return stopped }
	return stopped
}

// dialDevTools opens the DevTools websocket. The cdp handshake does not
// watch ctx, so the returned connWatch keeps the connection tied to ctx
// until released; everything sent over it before release is bounded too.
func dialDevTools(ctx context.Context, controlURL string) (*cdp.Client, *connWatch, error) {
	watch := &connWatch{}
	ws := &cdp.WebSocket{}
	if !strings.HasPrefix(controlURL, "wss://") {
		ws.Dialer = watch
	}
	if err := ws.Connect(ctx, controlURL, nil); err != nil {
		watch.release()
		if watch.conn != nil {
			_ = watch.conn.Close()
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, nil, fmt.Errorf("connect to chrome: %w", err)
	}
	return cdp.New().Start(ws), watch, nil
}
