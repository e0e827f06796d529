package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrInvalidRoomCode     = errors.New("invalid room code")
	ErrInvalidNickname     = errors.New("invalid nickname")
	ErrNotInRoom           = errors.New("connection is not in a room")
	ErrMediaAcquisition    = errors.New("media acquisition failed")
	ErrPeerLinkClosed      = errors.New("peer link closed")
	ErrScreenShareActive   = errors.New("screen share already active")
)
