package presence

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := bus.Connect(ctx, config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func node(id string) config.NodeConfig {
	return config.NodeConfig{ID: id, Role: "stt-gateway", HeartbeatIntervalMS: 20, HeartbeatTimeoutMS: 200}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func find(nodes []NodeInfo, id string) (NodeInfo, bool) {
	for _, n := range nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeInfo{}, false
}

func TestNodesDiscoverEachOther(t *testing.T) {
	client := startBus(t)
	ctx := context.Background()

	first, err := Start(ctx, Options{
		Node:         node("gw-a"),
		Capabilities: []Capability{{Name: "stt", Tier: "vosk", Attributes: map[string]string{"language": "en-US"}}},
		Load:         func() int { return 3 },
	}, client, newLogger())
	if err != nil {
		t.Fatalf("start first: %v", err)
	}
	defer first.Close()

	second, err := Start(ctx, Options{
		Node:         node("gw-b"),
		Capabilities: []Capability{{Name: "translation"}},
	}, client, newLogger())
	if err != nil {
		t.Fatalf("start second: %v", err)
	}
	defer second.Close()

	waitFor(t, "gw-a to learn about gw-b", func() bool {
		_, ok := find(first.Nodes(), "gw-b")
		return ok
	})
	waitFor(t, "gw-b to see gw-a load", func() bool {
		n, ok := find(second.Nodes(), "gw-a")
		return ok && n.ActiveSessions == 3 && n.Healthy
	})

	local, _ := find(first.Nodes(), "gw-a")
	if local.Role != "stt-gateway" || len(local.Capabilities) != 1 || local.Capabilities[0].Tier != "vosk" {
		t.Fatalf("unexpected local node %+v", local)
	}

	stt := first.Query(WithCapability("stt"))
	if len(stt) != 1 || stt[0].ID != "gw-a" {
		t.Fatalf("expected only gw-a to offer stt, got %+v", stt)
	}
	translation := first.Query(WithCapability("translation"))
	if len(translation) != 1 || translation[0].ID != "gw-b" {
		t.Fatalf("expected gw-b to offer translation, got %+v", translation)
	}
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSilentNodesBecomeUnhealthy(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := &Registry{
		opts:  Options{Node: node("gw-a")},
		log:   newLogger(),
		clock: clock.Now,
		nodes: make(map[string]*NodeInfo),
	}

	r.updateNode("gw-b", "stt-gateway", nil, 1, clock.Now())
	clock.Advance(100 * time.Millisecond)
	r.evaluateHealth()
	if n, _ := find(r.Nodes(), "gw-b"); !n.Healthy {
		t.Fatal("node within timeout must stay healthy")
	}

	clock.Advance(time.Second)
	r.evaluateHealth()
	if n, _ := find(r.Nodes(), "gw-b"); n.Healthy {
		t.Fatal("expected silent node marked unhealthy")
	}

	r.updateNode("gw-b", "", nil, -1, clock.Now())
	n, _ := find(r.Nodes(), "gw-b")
	if !n.Healthy || n.ActiveSessions != 1 || n.Role != "stt-gateway" {
		t.Fatalf("heartbeat must revive the node and keep earlier fields, got %+v", n)
	}
}
