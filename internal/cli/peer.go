package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/securecall/securecall/internal/analysis"
	"github.com/securecall/securecall/internal/call"
	"github.com/securecall/securecall/internal/config"
	"github.com/securecall/securecall/internal/logging"
	"github.com/securecall/securecall/internal/media"
	"github.com/securecall/securecall/internal/record"
	"github.com/securecall/securecall/internal/signaling"
	"github.com/securecall/securecall/internal/state"
	"github.com/securecall/securecall/internal/util"
)

func NewPeerCmd(deps *Dependencies) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Connect to the relay and place or receive calls",
		Long: "Starts the interactive peer client. Commands at the prompt:\n" +
			"  call <id>   place a call\n" +
			"  answer      accept the ringing call\n" +
			"  decline     reject the ringing call\n" +
			"  hangup      end the current call\n" +
			"  peers       list who is online\n" +
			"  quit        exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID != "" {
				deps.Config.Identity.UserID = userID
			}
			return runPeer(deps)
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "participant id (overrides config)")
	return cmd
}

func runPeer(deps *Dependencies) error {
	cfg := deps.Config
	log := deps.Log
	selfID, err := util.ValidateParticipantID(cfg.Identity.UserID)
	if err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	roster := state.NewPeerTable()
	heartbeat := time.Duration(cfg.Relay.HeartbeatSec) * time.Second

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	sig, err := signaling.Dial(dialCtx, cfg.Relay.URL, selfID, heartbeat, roster, log)
	cancel()
	if err != nil {
		return err
	}
	defer sig.Close()

	alert := analysis.NewAlert(time.Duration(cfg.Analysis.VerdictTTLSec) * time.Second)
	mgr := newCallManager(cfg, sig, alert, log)
	mgr.Start()
	defer mgr.Close()

	fmt.Printf("connected to %s as %s\n", cfg.Relay.URL, selfID)
	if cfg.Analysis.UploadURL == "" {
		fmt.Println("post-call analysis disabled (no upload url configured)")
	}

	return promptLoop(ctx, mgr, roster)
}

// newCallManager assembles the call state machine with its live
// collaborators: real media sessions, per-call recorders, and the analysis
// client when one is configured.
func newCallManager(cfg *config.Config, sig *signaling.Channel, alert *analysis.Alert, log logging.Logger) *call.Manager {
	mediaFactory := func(ctx context.Context, ev call.MediaEvents) (call.MediaSession, error) {
		return media.NewSession(ctx, media.Config{STUNURLs: cfg.ICE.STUNURLs}, media.Events{
			LocalCandidate: ev.LocalCandidate,
			Connected:      ev.Connected,
			Failed:         ev.Failed,
			MixedAudio:     ev.MixedAudio,
		}, log)
	}
	recorderFactory := func() call.Recorder {
		return record.NewRecorder(cfg.Recording.SampleRate, cfg.Recording.Channels, log)
	}

	var uploader call.Uploader
	if cfg.Analysis.UploadURL != "" {
		uploader = analysis.NewClient(cfg.Analysis.UploadURL, cfg.Analysis.UploadPreset, cfg.Analysis.BackendURL, log)
	}

	mgr := call.NewManager(sig, mediaFactory, recorderFactory, uploader, alert, log)
	mgr.OnIncoming(func(caller string) {
		fmt.Printf("\nincoming call from %s  (answer / decline)\n> ", caller)
	})
	mgr.OnStateChange(func(info call.Info) {
		switch info.State {
		case call.StateActive:
			fmt.Printf("\ncall active with %s (recording)\n> ", info.RemoteID)
		case call.StateTerminated:
			fmt.Printf("\ncall with %s ended\n> ", info.RemoteID)
		}
	})
	mgr.OnVerdict(func(v *analysis.Verdict) {
		fmt.Printf("\n%s (scam likelihood %d%%)\n> ", v.Message, v.Likelihood)
	})
	alert.OnClear(func() {
		fmt.Print("\nalert cleared\n> ")
	})
	return mgr
}

func promptLoop(ctx context.Context, mgr *call.Manager, roster *state.PeerTable) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Print("> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := runCommand(line, mgr, roster); done {
				return nil
			}
			fmt.Print("> ")
		}
	}
}

func runCommand(line string, mgr *call.Manager, roster *state.PeerTable) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	var err error
	switch fields[0] {
	case "call":
		if len(fields) != 2 {
			fmt.Println("usage: call <id>")
			return false
		}
		var target string
		if target, err = util.ValidateParticipantID(fields[1]); err == nil {
			err = mgr.Call(target)
		}
	case "answer":
		err = mgr.Answer()
	case "decline":
		err = mgr.Decline()
	case "hangup":
		err = mgr.Hangup()
	case "peers", "users":
		ids := roster.IDs()
		sort.Strings(ids)
		if len(ids) == 0 {
			fmt.Println("nobody online")
		}
		for _, id := range ids {
			fmt.Println(" ", id)
		}
	case "quit", "exit":
		return true
	default:
		fmt.Printf("unknown command %q\n", fields[0])
	}
	if err != nil {
		fmt.Println("error:", err)
	}
	return false
}
