// Command controltower runs the Control-Tower role (§4.4): it tails logs
// via the storage substrate and dispatches records to subscribed
// copilots, sharding its subscription state across a fixed number of
// rooms. The service-install plumbing follows cmd/esqd/main.go's
// program{Init,Start,Stop} shape, adapted to kardianos/service's
// Start(s)/Stop(s) interface.
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
	"github.com/rocketspeed-go/core/internal/discovery"
	"github.com/rocketspeed-go/core/internal/eventloop"
	"github.com/rocketspeed-go/core/internal/hostid"
	"github.com/rocketspeed-go/core/internal/lg"
	"github.com/rocketspeed-go/core/internal/msgloop"
	"github.com/rocketspeed-go/core/internal/socket"
	"github.com/rocketspeed-go/core/internal/status"
	"github.com/rocketspeed-go/core/internal/storage"
	"github.com/rocketspeed-go/core/internal/storageopen"
	"github.com/rocketspeed-go/core/internal/tower"
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
		Name:        "rocketspeed-controltower",
		DisplayName: "RocketSpeed Control Tower",
		Description: "Tails logs and dispatches records to subscribed copilots.",
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
	opts := config.Default(config.RoleControlTower)

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
			p.logger.Logf(lg.ERROR, "controltower exited: %v", err)
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

// subscription records the topic a SubID was opened against, since the
// wire Unsubscribe message (§4.1) carries only the SubID — the room
// routing function needs the (namespace, topic) pair too, so the tower
// side has to remember it per subscription.
type subscription struct {
	namespace, topic string
}

// controllerState bundles what the Introduction/Subscribe/Unsubscribe
// handlers need, beyond what MsgLoop's Handler signature hands them.
type controllerState struct {
	tower *tower.Tower
	hosts sync.Map // *socket.FramedSocket -> clientID string
	subs  sync.Map // subID -> subscription
}

func run(ctx context.Context, opts *config.Options, logger *lg.Logger) error {
	logf := logger.AsFunc()

	store, err := storageopen.Open(opts.StorageURL)
	if err != nil {
		return fmt.Errorf("controltower: open storage: %w", err)
	}

	loop := msgloop.New(msgloop.Options{
		NumWorkers: opts.NumRooms,
		ListenAddr: opts.ListenAddress,
		QueueDepth: opts.CommandQueueDepth,
		SocketOpts: socketOptionsFor(opts),
		Logf:       logf,
	})

	tw, st := tower.New(tower.Options{
		NumRooms:   uint32(opts.NumRooms),
		NumLogs:    1024,
		NumReaders: opts.ReaderSlots,
		Logf:       logf,
	}, loop.Loops(), store)
	if !st.OK() {
		return fmt.Errorf("controltower: build tower: %v", st)
	}

	state := &controllerState{tower: tw}

	if err := loop.RegisterCallback(wire.TypeIntroduction, state.handleIntroduction); err != nil {
		return err
	}
	if err := loop.RegisterCallback(wire.TypeSubscribe, state.handleSubscribe); err != nil {
		return err
	}
	if err := loop.RegisterCallback(wire.TypeUnsubscribe, state.handleUnsubscribe); err != nil {
		return err
	}
	if err := loop.RegisterCallback(wire.TypeFindTailSeqno, state.handleFindTailSeqno); err != nil {
		return err
	}

	admin := adminapi.New(opts.AdminAddress, tw, logf)
	adminDone := make(chan error, 1)
	go func() { adminDone <- admin.Run(ctx) }()

	if len(opts.EtcdEndpoints) > 0 {
		hostID := hostid.DeriveDeterministic(opts.BroadcastAddress, 0, opts.ListenAddress)
		registry, err := discovery.New(opts.EtcdEndpoints, opts.EtcdKeyPrefix, hostID, opts.ListenAddress, logf)
		if err != nil {
			return fmt.Errorf("controltower: discovery: %w", err)
		}
		defer registry.Close()
		rooms := make([]uint32, opts.NumRooms)
		for i := range rooms {
			rooms[i] = uint32(i)
		}
		if err := registry.Register(ctx, rooms); err != nil {
			return fmt.Errorf("controltower: register: %w", err)
		}
	}

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

func (st *controllerState) handleIntroduction(flow *eventloop.Flow, sock *socket.FramedSocket, streamID uint64, env *wire.Envelope) {
	intro := env.Body.(wire.Introduction)
	st.hosts.Store(sock, intro.ClientID)
}

func (st *controllerState) handleSubscribe(flow *eventloop.Flow, sock *socket.FramedSocket, streamID uint64, env *wire.Envelope) {
	body := env.Body.(wire.Subscribe)
	strm, ok := sock.Stream(streamID)
	if !ok {
		strm = sock.AcceptStream(streamID)
	}
	hostVal, _ := st.hosts.Load(sock)
	hostID, _ := hostVal.(string)

	st.subs.Store(body.SubID, subscription{namespace: body.Namespace, topic: body.Topic})

	req := tower.SubscribeRequest{
		HostID:    hostID,
		Namespace: body.Namespace,
		Topic:     body.Topic,
		SubID:     body.SubID,
		Cursor:    wire.CursorFromWire(body.StartSeqno),
		Tenant:    env.Tenant,
		Sink:      strm,
	}
	tenant := env.Tenant
	subID := body.SubID
	_ = st.tower.Subscribe(req, func(result *status.Status) {
		if result.OK() {
			strm.Write(tenant, wire.SubAck{SubID: subID})
			return
		}
		// §4.5: unroutable/malformed Subscribe parameters complete with an
		// immediate Unsubscribe(reason=Invalid) instead of a SubAck.
		st.subs.Delete(subID)
		strm.Write(tenant, wire.Unsubscribe{SubID: subID, Reason: wire.ReasonInvalid})
	})
}

func (st *controllerState) handleUnsubscribe(flow *eventloop.Flow, sock *socket.FramedSocket, streamID uint64, env *wire.Envelope) {
	body := env.Body.(wire.Unsubscribe)
	hostVal, _ := st.hosts.Load(sock)
	hostID, _ := hostVal.(string)

	sub, ok := st.subs.LoadAndDelete(body.SubID)
	if !ok {
		return
	}
	s := sub.(subscription)
	_ = st.tower.Unsubscribe(tower.UnsubscribeRequest{HostID: hostID, SubID: body.SubID}, s.namespace, s.topic, func(*status.Status) {})
}

// handleFindTailSeqno answers the same tail round trip as the pilot's
// handler, against the tower's own copy of the storage substrate — the
// endpoint subscribers actually reach, since Subscribe/Unsubscribe also
// terminate here rather than at the pilot.
func (st *controllerState) handleFindTailSeqno(flow *eventloop.Flow, sock *socket.FramedSocket, streamID uint64, env *wire.Envelope) {
	body := env.Body.(wire.FindTailSeqno)
	strm, ok := sock.Stream(streamID)
	if !ok {
		strm = sock.AcceptStream(streamID)
	}
	tenant := env.Tenant
	_ = st.tower.FindTailSeqno(body.Namespace, body.Topic, func(seqno storage.Seqno, result *status.Status) {
		if !result.OK() {
			return
		}
		strm.Write(tenant, wire.TailSeqno{Namespace: body.Namespace, Topic: body.Topic, Seqno: uint64(seqno)})
	})
}
