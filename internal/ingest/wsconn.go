// MIT License
//
// Copyright (c) 2025 Mike Lane
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package ingest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// idlePingDeadline is the hard ceiling on silence from the upstream proxy;
// a ping is sent well before it and the connection is abandoned if no
// frame (data or pong) arrives within it.
const idlePingDeadline = 120 * time.Second

// pingPeriod sends a heartbeat often enough that a healthy connection never
// approaches idlePingDeadline.
const pingPeriod = idlePingDeadline / 3

// wsConn exposes the subset of *websocket.Conn the connection loop needs,
// narrow enough to fake in tests without standing up a real socket.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// dialFunc opens the upstream connection. The production dialer is
// dialUpstream; tests substitute a fake.
type dialFunc func(ctx context.Context, url, token string) (wsConn, error)

func dialUpstream(ctx context.Context, url, token string) (wsConn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing upstream %s: http status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing upstream %s: %w", url, err)
	}
	return conn, nil
}
