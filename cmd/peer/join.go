package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"meshroom/internal/client"
	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"
	"meshroom/internal/infrastructure/media"
	signalinfra "meshroom/internal/infrastructure/signal"
	"meshroom/internal/infrastructure/webrtc"
	"meshroom/pkg/config"
	"meshroom/pkg/device"
	"meshroom/pkg/logger"

	"github.com/dustin/go-humanize"
	pion "github.com/pion/webrtc/v3"
	"github.com/spf13/cobra"
)

var (
	flagJoinConfig   string
	flagJoinServer   string
	flagJoinLink     string
	flagJoinNickname string
	flagJoinTitle    string
	flagJoinLogLevel string
	flagJoinMobile   bool
)

var joinCmd = &cobra.Command{
	Use:   "join [room-code]",
	Short: "Join a room and stay until interrupted",
	Long: `Join a room by code or share link.

Lines typed on stdin are sent as chat. "/share" toggles a synthetic screen
share, "/mic" and "/cam" mute and unmute the microphone and camera, and
"/quit" leaves the room.

Examples:
  meshroom-peer join standup --nickname alice
  meshroom-peer join --link "http://localhost:3000/?code=abcdef-1xYz"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJoin,
}

func init() {
	f := joinCmd.Flags()
	f.StringVar(&flagJoinConfig, "config", "configs/config.yaml", "path to the YAML config file")
	f.StringVar(&flagJoinServer, "server", "", "signaling server websocket URL")
	f.StringVar(&flagJoinLink, "link", "", "share link to join instead of a room code")
	f.StringVar(&flagJoinNickname, "nickname", "", "display name shown to other participants")
	f.StringVar(&flagJoinTitle, "title", "", "room title, used when the room is created")
	f.StringVar(&flagJoinLogLevel, "log-level", "warn", "debug, info, warn or error")
	f.BoolVar(&flagJoinMobile, "mobile", false, "report the device as mobile")
	rootCmd.AddCommand(joinCmd)
}

func roomCode(args []string) (domain.RoomCode, error) {
	switch {
	case flagJoinLink != "":
		return services.ParseShareLink(flagJoinLink)
	case len(args) == 1:
		return services.NormalizeRoomCode(domain.RoomCode(args[0]))
	default:
		return "", errors.New("a room code or --link is required")
	}
}

func runJoin(cmd *cobra.Command, args []string) error {
	code, err := roomCode(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(flagJoinConfig)
	if err != nil {
		return err
	}
	if flagJoinServer != "" {
		cfg.Client.ServerURL = flagJoinServer
	}
	if flagJoinNickname != "" {
		cfg.Client.Nickname = flagJoinNickname
	}
	if cfg.Client.Nickname == "" {
		cfg.Client.Nickname = "peer-" + time.Now().Format("150405")
	}

	zapLogger := logger.New(flagJoinLogLevel)
	defer func() { _ = zapLogger.Sync() }()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var iceServers []pion.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	rtcCfg := webrtc.Config{ICEServers: iceServers}
	rtcCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	rtcCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	factory, err := webrtc.NewPionFactory(rtcCfg, log)
	if err != nil {
		return err
	}

	signalOpts := signalinfra.DefaultClientOptions()
	signalOpts.DialTimeout = cfg.Client.DialTimeout
	signalOpts.Retry.MaxAttempts = cfg.Client.DialRetries

	joinCtx, cancel := context.WithTimeout(ctx, cfg.Client.DialTimeout+5*time.Second)
	defer cancel()

	session, err := client.Join(joinCtx, client.Config{
		ServerURL: cfg.Client.ServerURL,
		RoomCode:  code,
		Nickname:  cfg.Client.Nickname,
		Title:     flagJoinTitle,
		Device:    device.Overrides{Mobile: flagJoinMobile},
		Signal:    signalOpts,
		Devices:   media.NewSyntheticDevices(log),
		Factory:   factory,
	}, log)
	if err != nil {
		return err
	}
	defer func() { _ = session.Leave() }()

	room := session.Room()
	profile := session.Profile()
	fmt.Printf("joined %s", room.Code)
	if room.Title != "" {
		fmt.Printf(" (%s)", room.Title)
	}
	fmt.Printf(", created %s\n", humanize.Time(room.CreatedAt))
	fmt.Printf("sending %dx%d@%d, video capped at %s/s\n",
		profile.Width, profile.Height, profile.FrameRate,
		humanize.SI(float64(profile.MaxBitrate), "bit"))

	lines := make(chan string)
	go readLines(lines)

	chat, events := session.ChatMessages(), session.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Done():
			fmt.Println("disconnected from server")
			return nil
		case msg, ok := <-chat:
			if !ok {
				chat = nil
				continue
			}
			fmt.Printf("[%s] %s: %s\n", humanize.Time(msg.Timestamp), msg.Nickname, msg.Text)
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			printEvent(e)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handleLine(ctx, session, os.Stdout, line); done {
				return nil
			}
		}
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// controls is the part of a session the prompt drives.
type controls interface {
	Chat(text string) error
	ScreenSharing() bool
	StartScreenShare(ctx context.Context) error
	StopScreenShare() error
	MicrophoneOn() bool
	SetMicrophone(on bool) bool
	CameraOn() bool
	SetCamera(on bool) bool
}

var _ controls = (*client.Session)(nil)

func handleLine(ctx context.Context, s controls, out io.Writer, line string) bool {
	switch strings.TrimSpace(line) {
	case "/quit":
		return true
	case "/share":
		var err error
		if s.ScreenSharing() {
			err = s.StopScreenShare()
		} else {
			err = s.StartScreenShare(ctx)
		}
		if err != nil {
			fmt.Fprintln(out, "screen share:", err)
		}
	case "/mic":
		toggle(out, "microphone", s.MicrophoneOn, s.SetMicrophone)
	case "/cam":
		toggle(out, "camera", s.CameraOn, s.SetCamera)
	default:
		if err := s.Chat(line); err != nil {
			fmt.Fprintln(out, "chat:", err)
		}
	}
	return false
}

func toggle(out io.Writer, name string, on func() bool, set func(bool) bool) {
	want := !on()
	if !set(want) {
		fmt.Fprintf(out, "* no %s\n", name)
		return
	}
	state := "off"
	if want {
		state = "on"
	}
	fmt.Fprintf(out, "* %s %s\n", name, state)
}

func printEvent(e webrtc.Event) {
	switch ev := e.(type) {
	case webrtc.LinkStateChanged:
		fmt.Printf("* %s: %s\n", displayName(ev.Nickname, ev.RemoteID), ev.State)
	case webrtc.LinkRemoved:
		fmt.Printf("* %s left\n", displayName(ev.Nickname, ev.RemoteID))
	case webrtc.TrackAdded:
		fmt.Printf("* receiving %s from %s\n", ev.Class, ev.RemoteID)
	case webrtc.TrackClassified:
		fmt.Printf("* %s now sends %s\n", ev.RemoteID, ev.Class)
	case webrtc.LocalScreenShare:
		if ev.Active {
			fmt.Println("* screen share started")
		} else {
			fmt.Println("* screen share stopped")
		}
	}
}

func displayName(nickname string, id domain.ConnectionID) string {
	if nickname == "" {
		return string(id)
	}
	return nickname
}
