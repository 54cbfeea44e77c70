package echo

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/core"
	"relaybot/internal/services/scheduler"
	"relaybot/pkg/logx"
	"relaybot/pkg/store"
)

type captureNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *captureNotifier) SendText(ctx context.Context, text string) error {
	n.mu.Lock()
	n.msgs = append(n.msgs, text)
	n.mu.Unlock()
	return nil
}

func (n *captureNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func TestBeacon(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notify := &captureNotifier{}
	tasks := scheduler.New(logx.Nop())
	p := New().(*Plugin)
	deps := core.Deps{
		Logger: logx.Nop(),
		Tasks:  tasks,
		KV:     (*store.Store)(nil).Namespace("echo"),
		Notify: notify,
		Config: json.RawMessage(`{"prefix":"ping","interval":"10ms"}`),
	}
	require.NoError(t, p.Init(ctx, deps))
	require.NoError(t, p.Start(ctx))
	tasks.StartAll(ctx)
	defer tasks.StopAll()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && p.Beats() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, p.Beats(), uint64(2))

	msgs := notify.all()
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[0], "ping: alive")
	assert.NoError(t, p.HealthCheck(ctx))
}

func TestInitRejectsBadConfig(t *testing.T) {
	t.Parallel()
	p := New().(*Plugin)
	deps := core.Deps{
		Logger: logx.Nop(),
		Tasks:  scheduler.New(logx.Nop()),
		Config: json.RawMessage(`{"interval":"never"}`),
	}
	assert.Error(t, p.Init(context.Background(), deps))
}

func TestInitDefaults(t *testing.T) {
	t.Parallel()
	p := New().(*Plugin)
	deps := core.Deps{
		Logger: logx.Nop(),
		Tasks:  scheduler.New(logx.Nop()),
	}
	require.NoError(t, p.Init(context.Background(), deps))
	assert.Equal(t, "echo", p.cfg.Prefix)
}
