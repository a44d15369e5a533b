package msgloop

import (
	"net"
	"testing"
	"time"

	"github.com/rocketspeed-go/core/internal/eventloop"
	"github.com/rocketspeed-go/core/internal/socket"
	"github.com/rocketspeed-go/core/internal/wire"
)

func TestRegisterCallbackRejectsDuplicates(t *testing.T) {
	m := New(Options{NumWorkers: 2, ListenAddr: "127.0.0.1:0"})
	h := func(flow *eventloop.Flow, sock *socket.FramedSocket, streamID uint64, env *wire.Envelope) {}
	if err := m.RegisterCallback(wire.TypePing, h); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := m.RegisterCallback(wire.TypePing, h); err == nil {
		t.Fatal("expected error registering duplicate callback")
	}
}

func TestPingRoundTripThroughMsgLoop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	m := New(Options{NumWorkers: 2, ListenAddr: addr, QueueDepth: 16, SocketOpts: socket.DefaultOptions()})
	received := make(chan uint64, 1)
	if err := m.RegisterCallback(wire.TypePing, func(flow *eventloop.Flow, sock *socket.FramedSocket, streamID uint64, env *wire.Envelope) {
		received <- streamID
	}); err != nil {
		t.Fatal(err)
	}

	go m.Run()
	defer m.Close()
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame := wire.EncodeFrame(1, 7, wire.Ping{})
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case sid := <-received:
		if sid != 7 {
			t.Fatalf("got stream id %d, want 7", sid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
}

func TestGatherCollectsFromAllWorkers(t *testing.T) {
	m := New(Options{NumWorkers: 3, ListenAddr: "127.0.0.1:0", QueueDepth: 8})
	for _, loop := range m.loops {
		go loop.Run()
	}
	defer func() {
		for _, loop := range m.loops {
			loop.Stop()
		}
	}()

	done := make(chan []interface{}, 1)
	m.Gather(func(flow *eventloop.Flow) interface{} {
		return 1
	}, func(results []interface{}) {
		done <- results
	})

	select {
	case results := <-done:
		sum := 0
		for _, r := range results {
			if r != nil {
				sum += r.(int)
			}
		}
		if sum != 3 {
			t.Fatalf("expected sum 3 across 3 workers, got %d", sum)
		}
	case <-time.After(time.Second):
		t.Fatal("gather never completed")
	}
}
