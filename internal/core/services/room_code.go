package services

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"
	"net/url"
	"strings"
	"time"

	"meshroom/internal/core/domain"

	"github.com/jxskiss/base62"
)

const (
	roomCodeAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"
	roomCodeLength   = 6
)

// GenerateRoomCode returns a fixed-length random prefix followed by a
// suffix derived from the current time.
func GenerateRoomCode(now time.Time) domain.RoomCode {
	var sb strings.Builder
	sb.Grow(roomCodeLength + 8)

	max := big.NewInt(int64(len(roomCodeAlphabet)))
	for i := 0; i < roomCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			n = big.NewInt(now.UnixNano() % int64(len(roomCodeAlphabet)))
		}
		sb.WriteByte(roomCodeAlphabet[n.Int64()])
	}

	var ts [4]byte
	binary.BigEndian.PutUint32(ts[:], uint32(now.Unix()))
	sb.WriteByte('-')
	sb.WriteString(base62.EncodeToString(ts[:]))

	return domain.RoomCode(sb.String())
}

// BuildShareLink embeds the code as the "code" query parameter of baseURL.
func BuildShareLink(baseURL string, code domain.RoomCode) string {
	u, err := url.Parse(baseURL)
	if err != nil || baseURL == "" {
		return "/?code=" + url.QueryEscape(string(code))
	}
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	q.Set("code", string(code))
	u.RawQuery = q.Encode()
	return u.String()
}

// ParseShareLink extracts the room code from a share link. A bare code is
// returned unchanged.
func ParseShareLink(link string) (domain.RoomCode, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", domain.ErrInvalidRoomCode
	}
	if !strings.Contains(link, "?") && !strings.Contains(link, "/") {
		return domain.RoomCode(link), nil
	}

	u, err := url.Parse(link)
	if err != nil {
		return "", domain.ErrInvalidRoomCode
	}
	code := strings.TrimSpace(u.Query().Get("code"))
	if code == "" {
		return "", domain.ErrInvalidRoomCode
	}
	return domain.RoomCode(code), nil
}
