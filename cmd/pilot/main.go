// Command pilot runs the Pilot role: accepts Publish messages from
// producers and appends them to the storage substrate's logs (§3). The
// service-install plumbing follows cmd/esqd/main.go's
// program{Init,Start,Stop} shape, adapted to kardianos/service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"

	"github.com/kardianos/service"

	"github.com/rocketspeed-go/core/internal/adminapi"
	"github.com/rocketspeed-go/core/internal/config"
	"github.com/rocketspeed-go/core/internal/eventloop"
	"github.com/rocketspeed-go/core/internal/lg"
	"github.com/rocketspeed-go/core/internal/msgloop"
	"github.com/rocketspeed-go/core/internal/router"
	"github.com/rocketspeed-go/core/internal/socket"
	"github.com/rocketspeed-go/core/internal/status"
	"github.com/rocketspeed-go/core/internal/storage"
	"github.com/rocketspeed-go/core/internal/storageopen"
	"github.com/rocketspeed-go/core/internal/util"
	"github.com/rocketspeed-go/core/internal/wire"
)

type program struct {
	once   sync.Once
	cancel context.CancelFunc
	logger *lg.Logger
	wg     util.WaitGroupWrapper
}

func main() {
	svcConfig := &service.Config{
		Name:        "rocketspeed-pilot",
		DisplayName: "RocketSpeed Pilot",
		Description: "Accepts publishes and appends them to the storage substrate.",
	}
	prg := &program{}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := s.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (p *program) Start(s service.Service) error {
	opts := config.Default(config.RolePilot)

	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	configPath := fs.String("config", "", "path to ini config file")
	opts.BindFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if err := opts.LoadFile(*configPath); err != nil {
		return err
	}
	// Parse again so flags given on the command line win over the file.
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	p.logger = lg.New(opts.LogPrefix, opts.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Wrap(p.logger.AsFunc(), func() {
		if err := run(ctx, opts, p.logger); err != nil {
			p.logger.Logf(lg.ERROR, "pilot exited: %v", err)
		}
	})
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
	})
	p.wg.Wait()
	if p.logger != nil {
		_ = p.logger.Sync()
	}
	return nil
}

type pilotState struct {
	store storage.Log
	rt    *router.Router
	logf  lg.Func
}

func run(ctx context.Context, opts *config.Options, logger *lg.Logger) error {
	logf := logger.AsFunc()

	store, err := storageopen.Open(opts.StorageURL)
	if err != nil {
		return fmt.Errorf("pilot: open storage: %w", err)
	}

	loop := msgloop.New(msgloop.Options{
		NumWorkers: opts.WorkerThreads,
		ListenAddr: opts.ListenAddress,
		QueueDepth: opts.CommandQueueDepth,
		SocketOpts: socketOptionsFor(opts),
		Logf:       logf,
	})

	state := &pilotState{store: store, rt: router.New(1024), logf: logf}
	if err := loop.RegisterCallback(wire.TypePublish, state.handlePublish); err != nil {
		return err
	}
	if err := loop.RegisterCallback(wire.TypeFindTailSeqno, state.handleFindTailSeqno); err != nil {
		return err
	}

	admin := adminapi.New(opts.AdminAddress, nil, logf)
	adminDone := make(chan error, 1)
	go func() { adminDone <- admin.Run(ctx) }()

	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run() }()

	select {
	case <-ctx.Done():
		loop.Close()
		<-runDone
		return <-adminDone
	case err := <-runDone:
		return err
	}
}

func socketOptionsFor(opts *config.Options) socket.Options {
	so := socket.DefaultOptions()
	so.HeartbeatInterval = opts.HeartbeatInterval
	so.StreamTimeout = opts.StreamTimeout
	return so
}

func (p *pilotState) handlePublish(flow *eventloop.Flow, sock *socket.FramedSocket, streamID uint64, env *wire.Envelope) {
	body := env.Body.(wire.Publish)
	logID := p.rt.LogFor(body.Namespace, body.Topic)
	seqno, st := p.store.Append(context.Background(), logID, body.Payload)
	if !st.OK() {
		p.logf(lg.WARN, "pilot: append to log %d failed: %v", logID, st)
		return
	}
	strm, ok := sock.Stream(streamID)
	if !ok {
		strm = sock.AcceptStream(streamID)
	}
	strm.Write(env.Tenant, wire.DataAck{SubID: 0, Seqno: uint64(seqno)})
}

// handleFindTailSeqno answers §9 Open Question (c)'s tail round trip: the
// pilot owns the same storage substrate subscribers' tail cursors need
// resolved against, so it resolves storage.TailSeqno for the requested
// topic's log and replies with the concrete seqno.
func (p *pilotState) handleFindTailSeqno(flow *eventloop.Flow, sock *socket.FramedSocket, streamID uint64, env *wire.Envelope) {
	body := env.Body.(wire.FindTailSeqno)
	logID := p.rt.LogFor(body.Namespace, body.Topic)
	strm, ok := sock.Stream(streamID)
	if !ok {
		strm = sock.AcceptStream(streamID)
	}
	p.store.FindTimeAsync(context.Background(), logID, storage.TailSeqno, func(seqno storage.Seqno, st *status.Status) {
		if !st.OK() {
			p.logf(lg.WARN, "pilot: find tail seqno for %s/%s failed: %v", body.Namespace, body.Topic, st)
			return
		}
		strm.Write(env.Tenant, wire.TailSeqno{Namespace: body.Namespace, Topic: body.Topic, Seqno: uint64(seqno)})
	})
}
