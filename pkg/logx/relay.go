package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender delivers a formatted log line to the operator chat.
// Implemented by the transport adapter; logx stays transport-agnostic.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

// relaySink is a zerolog LevelWriter that forwards selected lines to the
// chat Sender. Delivery happens on a worker goroutine through a bounded
// queue; logging never blocks on the network.
type relaySink struct {
	mu       sync.Mutex
	sender   Sender
	limiter  *rate.Limiter
	minLevel zerolog.Level

	queue    chan string
	workerOn sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func newRelaySink() *relaySink {
	return &relaySink{
		queue:    make(chan string, 256),
		minLevel: zerolog.WarnLevel,
	}
}

func (r *relaySink) apply(cfg RelayConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	r.limiter = rate.NewLimiter(rate.Limit(rps), rps)
}

func (r *relaySink) setSender(s Sender) {
	r.mu.Lock()
	r.sender = s
	r.mu.Unlock()
	if s == nil {
		return
	}
	r.workerOn.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.worker(ctx)
		}()
	})
}

func (r *relaySink) close() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		r.wg.Wait()
	}
}

func (r *relaySink) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.queue:
			r.mu.Lock()
			sender := r.sender
			r.mu.Unlock()
			if sender == nil {
				continue
			}
			_ = sender.SendText(ctx, msg)
		}
	}
}

func (r *relaySink) Write(p []byte) (int, error) {
	return r.WriteLevel(zerolog.InfoLevel, p)
}

func (r *relaySink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	r.mu.Lock()
	sender := r.sender
	lim := r.limiter
	min := r.minLevel
	r.mu.Unlock()

	if sender == nil || lim == nil || level < min {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}

	msg := formatRelayLine(p)
	if msg == "" {
		return len(p), nil
	}

	// Never block core logging.
	select {
	case r.queue <- msg:
	default:
	}
	return len(p), nil
}

// formatRelayLine turns a zerolog JSON line into a compact chat message.
func formatRelayLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	for k, v := range m {
		switch k {
		case "time", "level", "message", "caller":
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(v), 600))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
