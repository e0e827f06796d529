package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"meshroom/pkg/protocol"
	"meshroom/pkg/retry"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrClientClosed = errors.New("signaling client closed")

type ClientOptions struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Retry        retry.Config
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Retry:        retry.DefaultConfig(),
	}
}

// Client is the participant side of the signaling websocket.
type Client struct {
	ws      *websocket.Conn
	opts    ClientOptions
	send    chan []byte
	inbound chan protocol.Envelope

	closed    core.Fuse
	closeOnce sync.Once
	writeMu   sync.Mutex

	logger *zap.SugaredLogger
}

// Dial connects to url, retrying transient failures. A handshake answered
// with a 4xx status is not retried.
func Dial(ctx context.Context, url string, opts ClientOptions, logger *zap.SugaredLogger) (*Client, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.DialTimeout,
	}

	ws, err := retry.RetryWithResult(ctx, opts.Retry, func() (*websocket.Conn, error) {
		ws, resp, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, retry.Permanent(fmt.Errorf("dial %s: %s", url, resp.Status))
			}
			logger.Debugw("signaling dial failed", "url", url, "error", err)
			return nil, err
		}
		return ws, nil
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		ws:      ws,
		opts:    opts,
		send:    make(chan []byte, 64),
		inbound: make(chan protocol.Envelope, 64),
		logger:  logger,
		closed:  core.NewFuse(),
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

// Messages yields inbound envelopes in arrival order. It is closed when
// the connection ends.
func (c *Client) Messages() <-chan protocol.Envelope {
	return c.inbound
}

func (c *Client) Done() <-chan struct{} {
	return c.closed.Watch()
}

func (c *Client) readPump() {
	defer close(c.inbound)
	defer c.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.IsBroken() {
				c.logger.Infow("signaling connection lost", "error", err)
			}
			return
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			c.logger.Debugw("ignoring malformed frame", "error", err)
			continue
		}

		select {
		case c.inbound <- env:
		case <-c.closed.Watch():
			return
		}
	}
}

func (c *Client) writePump() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.logger.Infow("signaling write failed", "error", err)
				c.Close()
				return
			}
		case <-c.closed.Watch():
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(messageType, data)
}

// Send queues one message. It fails only once the client is closed.
func (c *Client) Send(t protocol.MessageType, payload interface{}) error {
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.closed.Watch():
		return ErrClientClosed
	}
}

func (c *Client) Join(roomCode, nickname, title string) error {
	return c.Send(protocol.TypeJoin, protocol.JoinRequest{RoomCode: roomCode, Nickname: nickname, Title: title})
}

func (c *Client) Leave() error {
	return c.Send(protocol.TypeLeave, nil)
}

func (c *Client) Offer(targetID string, sdp interface{}) error {
	raw, err := json.Marshal(sdp)
	if err != nil {
		return err
	}
	return c.Send(protocol.TypeOffer, protocol.OfferRequest{TargetID: targetID, SDP: raw})
}

func (c *Client) Answer(targetID string, sdp interface{}) error {
	raw, err := json.Marshal(sdp)
	if err != nil {
		return err
	}
	return c.Send(protocol.TypeAnswer, protocol.AnswerRequest{TargetID: targetID, SDP: raw})
}

func (c *Client) ICECandidate(targetID string, candidate interface{}) error {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return err
	}
	return c.Send(protocol.TypeICECandidate, protocol.ICECandidateRequest{TargetID: targetID, Candidate: raw})
}

func (c *Client) Chat(text string) error {
	return c.Send(protocol.TypeChat, protocol.ChatRequest{Text: text})
}

func (c *Client) ScreenShareStarted() error {
	return c.Send(protocol.TypeScreenShareStarted, nil)
}

func (c *Client) ScreenShareStopped() error {
	return c.Send(protocol.TypeScreenShareStopped, nil)
}

// Close sends a normal close frame and tears the connection down. Queued
// messages that were not yet written are discarded.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Break()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
