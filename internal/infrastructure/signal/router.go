package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/protocol"
	"meshroom/pkg/tracing"
	"meshroom/pkg/utils"

	"go.uber.org/zap"
)

const maxChatLength = 2000

// Drop reasons reported to metrics.
const (
	dropTargetGone  = "target_gone"
	dropNotInRoom   = "not_in_room"
	dropRateLimited = "rate_limited"
)

// errMalformed marks input errors that are reported back to the sender.
// Anything else is logged and absorbed.
type errMalformed struct {
	msg string
}

func (e errMalformed) Error() string { return e.msg }

func malformed(format string, args ...interface{}) error {
	return errMalformed{msg: fmt.Sprintf(format, args...)}
}

type handlerFunc func(ctx context.Context, c *Connection, env protocol.Envelope) error

// Router translates inbound signaling messages into registry operations and
// fan-out. It keeps no state of its own beyond the registry and the hub.
type Router struct {
	rooms    ports.RoomService
	hub      *Hub
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger
	now      func() time.Time
	handlers map[protocol.MessageType]handlerFunc
}

func NewRouter(rooms ports.RoomService, hub *Hub, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *Router {
	r := &Router{
		rooms:   rooms,
		hub:     hub,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
	r.handlers = map[protocol.MessageType]handlerFunc{
		protocol.TypeJoin:               r.handleJoin,
		protocol.TypeLeave:              r.handleLeave,
		protocol.TypeOffer:              r.handleOffer,
		protocol.TypeAnswer:             r.handleAnswer,
		protocol.TypeICECandidate:       r.handleICECandidate,
		protocol.TypeChat:               r.handleChat,
		protocol.TypeScreenShareStarted: r.handleScreenShare,
		protocol.TypeScreenShareStopped: r.handleScreenShare,
	}
	return r
}

// Route handles one raw frame from c.
func (r *Router) Route(ctx context.Context, c *Connection, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		r.replyError(ctx, c, "malformed", err.Error())
		return
	}

	ctx, span := tracing.TraceSignalMessage(ctx, string(env.Type), string(c.id))
	defer span.End()

	handler, ok := r.handlers[env.Type]
	if !ok {
		r.replyError(ctx, c, "unknown_type", fmt.Sprintf("unknown message type %q", env.Type))
		return
	}

	if err := handler(ctx, c, env); err != nil {
		tracing.RecordError(ctx, err)

		var bad errMalformed
		switch {
		case errors.As(err, &bad):
			r.replyError(ctx, c, "malformed", bad.msg)
		case errors.Is(err, domain.ErrInvalidNickname):
			r.replyError(ctx, c, "invalid", err.Error())
		default:
			r.logger.Warnw("signal handler failed",
				"connection_id", c.id,
				"type", env.Type,
				"error", err,
			)
			// A joiner waits for an answer; everything else is fire-and-forget.
			if env.Type == protocol.TypeJoin {
				r.replyError(ctx, c, "unavailable", "room registry unavailable")
			}
		}
		return
	}

	r.metrics.RecordMessageRouted(string(env.Type))
}

// Disconnect removes c from every room it belongs to and tells the
// remaining members. The caller guarantees it runs once per connection.
func (r *Router) Disconnect(ctx context.Context, c *Connection) {
	departures, err := r.rooms.LeaveAll(ctx, c.id)
	if err != nil {
		r.logger.Warnw("disconnect cleanup incomplete", "connection_id", c.id, "error", err)
	}
	c.clearMembership()

	for _, d := range departures {
		r.announceDeparture(ctx, d)
	}
}

func (r *Router) handleJoin(ctx context.Context, c *Connection, env protocol.Envelope) error {
	req, err := protocol.DecodePayload[protocol.JoinRequest](env)
	if err != nil {
		return malformed("invalid join payload: %v", err)
	}

	// A connection belongs to at most one room.
	if _, _, joined := c.Membership(); joined {
		if err := r.leaveCurrent(ctx, c); err != nil {
			return err
		}
	}

	res, err := r.rooms.Join(ctx, domain.RoomCode(req.RoomCode), domain.Participant{
		ConnectionID: c.id,
		Nickname:     req.Nickname,
	}, req.Title)
	if err != nil {
		return err
	}

	code := res.Metadata.Code
	nickname := res.Participant.Nickname
	c.setMembership(code, nickname)

	participants := make([]protocol.Participant, 0, len(res.Existing))
	for _, p := range res.Existing {
		participants = append(participants, protocol.Participant{
			ConnectionID: string(p.ConnectionID),
			Nickname:     p.Nickname,
			JoinedAt:     p.JoinedAt,
		})
	}
	r.unicast(ctx, c.id, protocol.TypeJoined, protocol.Joined{
		ConnectionID: string(c.id),
		Room: protocol.RoomInfo{
			Code:      string(code),
			Title:     res.Metadata.Title,
			CreatedAt: res.Metadata.CreatedAt,
		},
		Participants: participants,
	})

	notice := protocol.UserConnected{ConnectionID: string(c.id), Nickname: nickname}
	for _, p := range res.Existing {
		r.unicast(ctx, p.ConnectionID, protocol.TypeUserConnected, notice)
	}

	tracing.AddSpanAttributes(ctx, tracing.RoomCodeKey.String(string(code)))
	return nil
}

func (r *Router) handleLeave(ctx context.Context, c *Connection, env protocol.Envelope) error {
	if _, _, joined := c.Membership(); !joined {
		return nil
	}
	return r.leaveCurrent(ctx, c)
}

func (r *Router) leaveCurrent(ctx context.Context, c *Connection) error {
	code, _, _ := c.Membership()
	d, err := r.rooms.Leave(ctx, code, c.id)
	if err != nil {
		return err
	}
	c.clearMembership()
	if d != nil {
		r.announceDeparture(ctx, *d)
	}
	return nil
}

func (r *Router) announceDeparture(ctx context.Context, d ports.Departure) {
	if d.RoomDeleted {
		return
	}
	r.broadcast(ctx, d.Room, d.Participant.ConnectionID, protocol.TypeUserDisconnected, protocol.UserDisconnected{
		ConnectionID: string(d.Participant.ConnectionID),
		Nickname:     d.Participant.Nickname,
	})
}

func (r *Router) handleOffer(ctx context.Context, c *Connection, env protocol.Envelope) error {
	req, err := protocol.DecodePayload[protocol.OfferRequest](env)
	if err != nil {
		return malformed("invalid offer payload: %v", err)
	}
	if req.TargetID == "" || len(req.SDP) == 0 {
		return malformed("offer requires targetId and sdp")
	}

	r.unicast(ctx, domain.ConnectionID(req.TargetID), protocol.TypeOffer, protocol.Offer{
		From:     string(c.id),
		Nickname: c.Nickname(),
		SDP:      req.SDP,
	})
	return nil
}

func (r *Router) handleAnswer(ctx context.Context, c *Connection, env protocol.Envelope) error {
	req, err := protocol.DecodePayload[protocol.AnswerRequest](env)
	if err != nil {
		return malformed("invalid answer payload: %v", err)
	}
	if req.TargetID == "" || len(req.SDP) == 0 {
		return malformed("answer requires targetId and sdp")
	}

	r.unicast(ctx, domain.ConnectionID(req.TargetID), protocol.TypeAnswer, protocol.Answer{
		From: string(c.id),
		SDP:  req.SDP,
	})
	return nil
}

func (r *Router) handleICECandidate(ctx context.Context, c *Connection, env protocol.Envelope) error {
	req, err := protocol.DecodePayload[protocol.ICECandidateRequest](env)
	if err != nil {
		return malformed("invalid ice-candidate payload: %v", err)
	}
	if req.TargetID == "" || len(req.Candidate) == 0 {
		return malformed("ice-candidate requires targetId and candidate")
	}

	r.unicast(ctx, domain.ConnectionID(req.TargetID), protocol.TypeICECandidate, protocol.ICECandidate{
		From:      string(c.id),
		Candidate: req.Candidate,
	})
	return nil
}

func (r *Router) handleChat(ctx context.Context, c *Connection, env protocol.Envelope) error {
	req, err := protocol.DecodePayload[protocol.ChatRequest](env)
	if err != nil {
		return malformed("invalid chat payload: %v", err)
	}

	code, nickname, joined := c.Membership()
	if !joined {
		r.metrics.RecordMessageDropped(string(env.Type), dropNotInRoom)
		return nil
	}

	text := utils.TruncateString(req.Text, maxChatLength)
	if utils.IsEmpty(text) {
		return nil
	}

	r.broadcast(ctx, code, c.id, protocol.TypeChat, protocol.Chat{
		From:      string(c.id),
		Nickname:  nickname,
		Text:      text,
		Timestamp: r.now().UTC(),
	})
	return nil
}

func (r *Router) handleScreenShare(ctx context.Context, c *Connection, env protocol.Envelope) error {
	code, nickname, joined := c.Membership()
	if !joined {
		r.metrics.RecordMessageDropped(string(env.Type), dropNotInRoom)
		return nil
	}

	r.broadcast(ctx, code, c.id, env.Type, protocol.ScreenShareNotice{
		From:     string(c.id),
		Nickname: nickname,
	})
	return nil
}

// broadcast sends to every current member of code except sender.
func (r *Router) broadcast(ctx context.Context, code domain.RoomCode, except domain.ConnectionID, t protocol.MessageType, payload interface{}) {
	members, err := r.rooms.Members(ctx, code)
	if err != nil {
		r.logger.Warnw("broadcast skipped", "room_code", code, "type", t, "error", err)
		return
	}

	frame, err := protocol.Encode(t, payload)
	if err != nil {
		r.logger.Errorw("failed to encode frame", "type", t, "error", err)
		return
	}

	for _, m := range members {
		if m.ConnectionID == except {
			continue
		}
		r.deliver(ctx, m.ConnectionID, t, frame)
	}
}

func (r *Router) unicast(ctx context.Context, target domain.ConnectionID, t protocol.MessageType, payload interface{}) {
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		r.logger.Errorw("failed to encode frame", "type", t, "error", err)
		return
	}
	r.deliver(ctx, target, t, frame)
}

// deliver is fire-and-forget: a gone target is skipped, never queued.
func (r *Router) deliver(ctx context.Context, target domain.ConnectionID, t protocol.MessageType, frame []byte) {
	if r.hub.Send(ctx, target, frame) {
		return
	}
	r.metrics.RecordMessageDropped(string(t), dropTargetGone)
	r.logger.Debugw("dropped message for unavailable target",
		"connection_id", target,
		"type", t,
	)
}

func (r *Router) replyError(ctx context.Context, c *Connection, code, message string) {
	r.unicast(ctx, c.id, protocol.TypeError, protocol.Error{Code: code, Message: message})
}
