package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/SharefulNetworks/shareful-dkv/command"
	"github.com/SharefulNetworks/shareful-dkv/commons"
	"github.com/SharefulNetworks/shareful-dkv/events"
	"github.com/SharefulNetworks/shareful-dkv/logging"
	"github.com/SharefulNetworks/shareful-dkv/types"
	"go.uber.org/zap"
)

// Options - Per session defaults applied to every command issued.
type Options struct {
	GetQuorum     types.Quorum
	PutQuorum     types.Quorum
	ProvideQuorum types.Quorum
	Logger        *zap.Logger
}

// Session - The operator loop. It waits on the next input line and the next
// router event at once, handling whichever is ready first, one at a time.
type Session struct {
	router commons.RouterLike
	in     io.Reader
	stdout io.Writer
	stderr io.Writer
	opts   Options
	log    *zap.Logger
}

func New(router commons.RouterLike, in io.Reader, stdout, stderr io.Writer, opts Options) *Session {
	opts.Logger = logging.OrNop(opts.Logger)
	return &Session{
		router: router,
		in:     in,
		stdout: stdout,
		stderr: stderr,
		opts:   opts,
		log:    opts.Logger.Named("session"),
	}
}

type routerEvent struct {
	ev  events.Event
	err error
}

// Run - Drives the session until ctx ends, returning nil in that case. End of
// input stops command processing only; router events keep being reported.
// An error is returned if the router stops producing events.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go s.readLines(ctx, lines)

	evs := make(chan routerEvent)
	go s.pumpEvents(ctx, evs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				s.log.Info("end of input, no further commands will be read")
				lines = nil
				continue
			}
			s.HandleLine(line)
		case re := <-evs:
			if re.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("router events: %w", re.err)
			}
			s.HandleEvent(re.ev)
		}
	}
}

func (s *Session) readLines(ctx context.Context, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(s.in)
	for sc.Scan() {
		select {
		case out <- sc.Text():
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		s.log.Warn("reading input failed", zap.Error(err))
	}
}

func (s *Session) pumpEvents(ctx context.Context, out chan<- routerEvent) {
	for {
		ev, err := s.router.NextEvent(ctx)
		select {
		case out <- routerEvent{ev: ev, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// HandleLine - Parses one input line and submits the resulting operation.
// Blank lines are ignored; malformed ones are reported on stderr.
func (s *Session) HandleLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	cmd, err := command.Parse(line)
	if err != nil {
		fmt.Fprintln(s.stderr, err.Error())
		return
	}

	var id events.QueryID
	switch cmd.Op {
	case command.Get:
		id = s.router.GetRecord(cmd.Key, s.opts.GetQuorum)
	case command.Put:
		id = s.router.PutRecord(cmd.Key, cmd.Value, s.opts.PutQuorum)
	case command.GetProviders:
		id = s.router.GetProviders(cmd.Key)
	case command.PutProvider:
		id = s.router.StartProviding(cmd.Key, s.opts.ProvideQuorum)
	}
	s.log.Debug("submitted", zap.Stringer("op", cmd.Op), zap.Stringer("key", cmd.Key), zap.Uint64("query", uint64(id)))
}

// HandleEvent - Reports a router event to the operator.
func (s *Session) HandleEvent(ev events.Event) {
	switch ev.Kind {
	case events.NewListenAddr:
		fmt.Fprintf(s.stdout, "Listening on %s\n", ev.Addr)
	case events.PeerDiscovered:
		fmt.Fprintf(s.stdout, "Discovered peer %s at %s\n", ev.Peer, ev.Addr)
	case events.ConnectionEstablished:
		fmt.Fprintf(s.stdout, "Connection established with peer %s\n", ev.Peer)
	case events.ConnectionClosed:
		fmt.Fprintf(s.stdout, "Connection closed with peer %s\n", ev.Peer)
	case events.FoundRecord:
		if ev.Record != nil {
			fmt.Fprintf(s.stdout, "Found record for key %s: %s\n", ev.Key, ev.Record.Value)
		}
	case events.FoundProviders:
		for _, p := range ev.Providers {
			fmt.Fprintf(s.stdout, "Found provider %s for key %s\n", p.ID, ev.Key)
		}
	case events.PutComplete:
		if ev.Outcome == events.Succeeded {
			fmt.Fprintf(s.stdout, "Put record %s\n", ev.Key)
			return
		}
		s.reportPartial("PUT", ev)
	case events.ProvideComplete:
		if ev.Outcome == events.Succeeded {
			fmt.Fprintf(s.stdout, "Started providing %s\n", ev.Key)
			return
		}
		s.reportPartial("PUT_PROVIDER", ev)
	case events.BootstrapComplete:
		fmt.Fprintf(s.stdout, "Bootstrap complete with %d peers\n", ev.PeerCount)
	case events.QueryFailed:
		s.reportFailure(ev)
	default:
		s.log.Debug("event", zap.Stringer("kind", ev.Kind), zap.String("peer", ev.Peer.Short()))
	}
}

func (s *Session) reportPartial(op string, ev events.Event) {
	fmt.Fprintf(s.stderr, "%s for key %s only partially succeeded: %d of %d confirmations%s\n",
		op, ev.Key, ev.Confirmations, ev.Required, failedPeers(ev.FailedPeers))
}

func (s *Session) reportFailure(ev events.Event) {
	reason := "unknown error"
	if ev.Err != nil {
		reason = ev.Err.Error()
	}
	if ev.Required > 0 {
		reason = fmt.Sprintf("%s (%d of %d confirmations)%s", reason, ev.Confirmations, ev.Required, failedPeers(ev.FailedPeers))
	}
	if ev.Query == events.QueryBootstrap {
		fmt.Fprintf(s.stderr, "%s error: %s\n", ev.Query, reason)
		return
	}
	fmt.Fprintf(s.stderr, "%s error for key %s: %s\n", ev.Query, ev.Key, reason)
}

func failedPeers(peers []types.PeerID) string {
	if len(peers) == 0 {
		return ""
	}
	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.String())
	}
	return ", failed peers: " + strings.Join(ids, " ")
}
