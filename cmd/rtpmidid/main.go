// Rtpmidid — CLI entry point.
//
// This tool runs an AppleMIDI (RTP-MIDI) session: it advertises itself over
// mDNS, accepts invitations from remote endpoints, and can dial out to a
// remote session. Received MIDI commands are logged; an optional test
// arpeggio exercises the send path.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-name, -port, -connect, ...).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"go.uber.org/zap"

	"github.com/djgod01/rtpmidi"
	"github.com/djgod01/rtpmidi/discovery"
	"github.com/djgod01/rtpmidi/internal/config"
	"github.com/djgod01/rtpmidi/internal/util"
	"github.com/djgod01/rtpmidi/session"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "YAML configuration file")
	name := flag.String("name", "", "Session name (display and bonjour)")
	port := flag.Int("port", 0, "Control port, even, 1~65534 (data uses port+1)")
	connect := flag.String("connect", "", "Remote control endpoint to dial (host:port)")
	published := flag.Bool("published", true, "Advertise the session over mDNS")
	storePath := flag.String("store", "", "JSON session store path")
	arpeggio := flag.Bool("arpeggio", false, "Send a test arpeggio to connected streams")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			pterm.DefaultLogger.Error(err.Error())
			os.Exit(1)
		}
	}
	if *name != "" {
		cfg.Name = *name
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *connect != "" {
		cfg.Connect = append(cfg.Connect, *connect)
	}
	if *storePath != "" {
		cfg.StorePath = *storePath
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "published" {
			cfg.Published = *published
		}
	})
	cfg.Debug = cfg.Debug || *debugMode

	pterm.Info.Println(fmt.Sprintf("Rtpmidid — v%s", version))
	pterm.Println()

	// No flags at all → interactive mode.
	if flag.NFlag() == 0 {
		runInteractive(&cfg)
	}

	zlog := util.NewLogger(cfg.Debug)
	defer zlog.Sync()

	if err := cfg.Validate(); err != nil {
		zlog.Error(err.Error())
		os.Exit(1)
	}

	if err := run(ctx, cfg, *arpeggio, zlog); err != nil {
		zlog.Error(err.Error())
		os.Exit(1)
	}

	zlog.Info("session closed")
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg config.Config, arpeggio bool, zlog *zap.Logger) error {
	var store rtpmidi.Storage
	if cfg.StorePath != "" {
		store = &rtpmidi.FileStorage{Path: cfg.StorePath}
	}
	manager := rtpmidi.NewManager(zlog, store)
	defer manager.Shutdown()

	manager.Discovery().SetHandlers(discovery.Handlers{
		RemoteSessionUp: func(r discovery.RemoteSession) {
			zlog.Info("remote session up",
				zap.String("name", r.Name),
				zap.Stringer("addr", r.Addr()))
		},
		RemoteSessionDown: func(r discovery.RemoteSession) {
			zlog.Info("remote session down", zap.String("name", r.Name))
		},
	})
	if err := manager.StartDiscovery(ctx); err != nil {
		zlog.Warn("mdns browse unavailable", zap.Error(err))
	}

	s, err := manager.CreateSession(session.Config{
		LocalName:   cfg.Name,
		BonjourName: cfg.Name,
		Port:        cfg.Port,
		IPVersion:   cfg.IPVersion,
		Published:   cfg.Published,
		Logger:      zlog,
	}, false)
	if err != nil {
		return err
	}

	s.SetHandlers(session.Handlers{
		Ready: func() {
			zlog.Info("session ready",
				zap.String("name", cfg.Name),
				zap.Int("controlPort", cfg.Port),
				zap.Int("dataPort", cfg.Port+1))
		},
		Message: func(delta float64, data []byte, _ uint64) {
			util.Stats.AddRecv(len(data))
			zlog.Debug("midi in",
				zap.Float64("delta", delta),
				zap.String("command", util.FormatCommand(data)))
		},
		StreamAdded: func(st *session.Stream) {
			zlog.Info("stream connected",
				zap.String("peer", st.PeerName()),
				zap.Uint32("ssrc", st.PeerSSRC()))
		},
		StreamRemoved: func(st *session.Stream) {
			zlog.Info("stream removed", zap.String("peer", st.PeerName()))
		},
		Error: func(err error) {
			zlog.Warn("transport error", zap.Error(err))
		},
	})

	if err := s.Start(); err != nil {
		return err
	}
	if cfg.Published {
		if err := manager.Discovery().Publish(s); err != nil {
			zlog.Warn("mdns publish failed", zap.Error(err))
		}
	}

	for _, target := range cfg.Connect {
		addr, err := net.ResolveUDPAddr("udp", target)
		if err != nil {
			zlog.Error("invalid connect target",
				zap.String("target", target), zap.Error(err))
			continue
		}
		zlog.Info("dialing", zap.Stringer("addr", addr))
		s.Connect(addr)
	}

	util.StartStatsReporter(ctx)
	if arpeggio {
		go playArpeggio(ctx, s)
	}

	<-ctx.Done()

	if store != nil {
		if err := manager.Save(); err != nil {
			zlog.Warn("saving sessions failed", zap.Error(err))
		}
	}
	return nil
}

// playArpeggio cycles a C major triad through every connected stream.
func playArpeggio(ctx context.Context, s *session.Session) {
	notes := []byte{60, 64, 67, 72}
	ticker := time.NewTicker(400 * time.Millisecond)
	defer ticker.Stop()

	i := 0
	for {
		select {
		case <-ticker.C:
			if len(s.Streams()) == 0 {
				continue
			}
			prev := notes[(i+len(notes)-1)%len(notes)]
			note := notes[i%len(notes)]
			s.SendMessage([]byte{0x80, prev, 0})
			s.SendMessage([]byte{0x90, note, 100})
			util.Stats.AddSent(3)
			util.Stats.AddSent(3)
			i++

		case <-ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Interactive mode
// ---------------------------------------------------------------------------

// runInteractive falls back to interactive prompts when no flags are given.
func runInteractive(cfg *config.Config) {
	mode, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Listen  — advertise a session and wait for peers", "Connect — dial a remote session"}).
		WithDefaultText("Select a mode").
		Show()

	pterm.Println()

	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText(fmt.Sprintf("Session name (default %q)", cfg.Name)).
		Show()
	if raw = strings.TrimSpace(raw); raw != "" {
		cfg.Name = raw
	}

	if strings.HasPrefix(mode, "Connect") {
		for {
			raw, _ := pterm.DefaultInteractiveTextInput.
				WithDefaultText("Remote control endpoint (e.g. 192.168.1.20:5004)").
				Show()
			if _, err := net.ResolveUDPAddr("udp", strings.TrimSpace(raw)); err == nil {
				cfg.Connect = append(cfg.Connect, strings.TrimSpace(raw))
				break
			}
			pterm.DefaultLogger.Warn("invalid endpoint: please enter host:port")
			pterm.Println()
		}
	}
	pterm.Println()
}
