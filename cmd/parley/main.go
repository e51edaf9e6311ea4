// Command parley is a terminal voice client: it streams the default
// microphone to a parley relay and plays the model's audio replies through
// the default speaker.
//
// While a call is running, type "r" and Enter to ask for a response right
// away, or "q" to hang up.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	relayURL := flag.String("relay", "ws://localhost:8000/ws", "relay WebSocket URL")
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	window := flag.Int("window", capture.DefaultWindow, "capture window in 24 kHz samples")
	buffer := flag.Int("buffer", capture.DefaultBuffer, "capture windows buffered while the socket is busy")
	policy := flag.String("policy", "drop-oldest", "capture overflow policy: drop-oldest or drop-newest")
	micRate := flag.Int("mic-rate", audio.SampleRate, "microphone sample rate in Hz")
	micChannels := flag.Int("mic-channels", 1, "microphone channel count")
	speakerBuffer := flag.Duration("speaker-buffer", device.DefaultSpeakerBuffer, "speaker output buffer")
	flag.Parse()

	lvl := config.LogLevel(strings.ToLower(*logLevel))
	if !lvl.IsValid() {
		fmt.Fprintf(os.Stderr, "parley: invalid -log-level %q\n", *logLevel)
		return 2
	}
	pol, ok := capture.ParsePolicy(*policy)
	if !ok {
		fmt.Fprintf(os.Stderr, "parley: invalid -policy %q\n", *policy)
		return 2
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl.Slog()}))
	slog.SetDefault(logger)

	// ── Audio devices ─────────────────────────────────────────────────────────
	tl := playback.NewTimeline(audio.SampleRate)
	speaker, err := device.OpenSpeaker(tl, *speakerBuffer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}
	defer speaker.Close()

	mic := device.NewMicrophone(device.WithMicFormat(*micRate, *micChannels))

	// ── Client ────────────────────────────────────────────────────────────────
	ended := make(chan struct{}, 1)
	client, err := conversation.New(conversation.Config{
		RelayURL:   *relayURL,
		Microphone: mic,
		Speaker:    tl,
		Capture: []capture.Option{
			capture.WithWindow(*window),
			capture.WithBuffer(*buffer),
			capture.WithPolicy(pol),
			capture.WithSourceFormat(*micRate, *micChannels),
		},
		Logger: logger,
		OnConnectionChange: func(s conversation.ConnectionState) {
			fmt.Printf("[connection] %s\n", s)
			if s == conversation.Disconnected {
				select {
				case ended <- struct{}{}:
				default:
				}
			}
		},
		OnTurnChange: func(_, to turn.State) {
			fmt.Printf("[turn] %s\n", to)
		},
		OnError: func(err error) {
			fmt.Printf("[error] %v\n", err)
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = client.Start(dialCtx)
	cancel()
	if err != nil {
		if errors.Is(err, conversation.ErrMicrophoneUnavailable) {
			fmt.Fprintln(os.Stderr, "parley: microphone access is required; check the OS privacy settings and try again")
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}
	defer client.End()

	fmt.Println("connected: speak any time, \"r\" + Enter asks for a reply, \"q\" + Enter hangs up")

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return 0
		case <-ended:
			return 0
		case line, open := <-lines:
			if !open {
				// Keep the call running without a terminal attached.
				lines = nil
				continue
			}
			switch line {
			case "q", "quit":
				return 0
			case "r":
				if err := client.RequestResponse(ctx); err != nil {
					fmt.Printf("[error] %v\n", err)
				}
			case "":
			default:
				fmt.Println("commands: r (request reply), q (hang up)")
			}
		}
	}
}
