// Command copilot runs the Copilot role: it accepts subscriptions from
// downstream applications and multiplexes them onto a single upstream
// connection to a control tower, sharing one upstream subscription across
// every downstream subscriber on the same topic (§3's tail-collapsing).
// The service-install plumbing follows cmd/esqd/main.go's
// program{Init,Start,Stop} shape, adapted to kardianos/service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/kardianos/service"

	"github.com/rocketspeed-go/core/internal/adminapi"
	"github.com/rocketspeed-go/core/internal/config"
	"github.com/rocketspeed-go/core/internal/eventloop"
	"github.com/rocketspeed-go/core/internal/hostid"
	"github.com/rocketspeed-go/core/internal/lg"
	"github.com/rocketspeed-go/core/internal/msgloop"
	"github.com/rocketspeed-go/core/internal/socket"
	"github.com/rocketspeed-go/core/internal/subscriber"
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
		Name:        "rocketspeed-copilot",
		DisplayName: "RocketSpeed Copilot",
		Description: "Multiplexes downstream subscribers onto upstream control-tower streams.",
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
	opts := config.Default(config.RoleCopilot)

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
			p.logger.Logf(lg.ERROR, "copilot exited: %v", err)
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

// downstreamObserver turns TailCollapsing delivery callbacks (running on
// the subscriber's Tick goroutine) back into wire frames written to one
// downstream app's stream.
type downstreamObserver struct {
	stream *socket.Stream
	tenant uint16
	subID  uint64
}

func (d *downstreamObserver) OnData(seqno uint64, payload []byte) {
	d.stream.Write(d.tenant, wire.DeliverData{SubID: d.subID, SeqnoPrev: seqno - 1, SeqnoHi: seqno, Payload: payload})
}

func (d *downstreamObserver) OnGap(gapType wire.GapType, from, to uint64) {
	d.stream.Write(d.tenant, wire.DeliverGap{SubID: d.subID, SeqnoPrev: from - 1, SeqnoHi: to, GapType: gapType})
}

func (d *downstreamObserver) OnTermination(reason wire.UnsubscribeReason) {
	d.stream.Write(d.tenant, wire.Unsubscribe{SubID: d.subID, Reason: reason})
}

// copilotState tracks the per-downstream-connection SubID -> upstream
// tail-collapsing handle, so a later Unsubscribe can find it.
type copilotState struct {
	tc   *subscriber.TailCollapsing
	mu   sync.Mutex
	down map[uint64]uint64 // downstream (stream-scoped) SubID -> TailCollapsing downstream id
}

func run(ctx context.Context, opts *config.Options, logger *lg.Logger) error {
	logf := logger.AsFunc()

	hostID := hostid.DeriveDeterministic(opts.BroadcastAddress, 0, opts.ListenAddress)

	sOpts := subscriber.DefaultOptions(func(receiver socket.Receiver) (*socket.FramedSocket, error) {
		conn, err := net.Dial("tcp", opts.UpstreamAddress)
		if err != nil {
			return nil, err
		}
		return socket.New(conn, socketOptionsFor(opts), logf, receiver), nil
	})
	sOpts.BackoffMin = opts.BackoffMin
	sOpts.BackoffMax = opts.BackoffMax

	up := subscriber.New(sOpts, logf)
	go up.Run()
	defer up.Close()

	tc := subscriber.NewTailCollapsing(up)
	state := &copilotState{tc: tc, down: make(map[uint64]uint64)}

	loop := msgloop.New(msgloop.Options{
		NumWorkers: opts.WorkerThreads,
		ListenAddr: opts.ListenAddress,
		QueueDepth: opts.CommandQueueDepth,
		SocketOpts: socketOptionsFor(opts),
		Logf:       logf,
	})

	if err := loop.RegisterCallback(wire.TypeSubscribe, state.handleSubscribe); err != nil {
		return err
	}
	if err := loop.RegisterCallback(wire.TypeUnsubscribe, state.handleUnsubscribe); err != nil {
		return err
	}

	admin := adminapi.New(opts.AdminAddress, nil, logf)
	adminDone := make(chan error, 1)
	go func() { adminDone <- admin.Run(ctx) }()

	logf(lg.INFO, "copilot %s dialing upstream control tower at %s", hostID, opts.UpstreamAddress)

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

func (c *copilotState) handleSubscribe(flow *eventloop.Flow, sock *socket.FramedSocket, streamID uint64, env *wire.Envelope) {
	body := env.Body.(wire.Subscribe)
	strm, ok := sock.Stream(streamID)
	if !ok {
		strm = sock.AcceptStream(streamID)
	}

	observer := &downstreamObserver{stream: strm, tenant: env.Tenant, subID: body.SubID}
	params := subscriber.Params{
		Tenant:    env.Tenant,
		Namespace: body.Namespace,
		Topic:     body.Topic,
		Cursor:    wire.CursorFromWire(body.StartSeqno),
	}
	downID := c.tc.Subscribe(params, observer)

	c.mu.Lock()
	c.down[body.SubID] = downID
	c.mu.Unlock()

	strm.Write(env.Tenant, wire.SubAck{SubID: body.SubID})
}

func (c *copilotState) handleUnsubscribe(flow *eventloop.Flow, sock *socket.FramedSocket, streamID uint64, env *wire.Envelope) {
	body := env.Body.(wire.Unsubscribe)
	c.mu.Lock()
	downID, ok := c.down[body.SubID]
	delete(c.down, body.SubID)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.tc.Unsubscribe(downID)
}
