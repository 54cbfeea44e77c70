package netmon

import (
	"context"
	"fmt"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

// runSpeedtest performs one measurement: pick the lowest-latency of the
// serverCount nearest servers, then run download and upload against it.
// A fresh client per run avoids carrying speedtest-go state between runs.
func runSpeedtest(ctx context.Context, serverCount int) (*Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	stc := st.New()
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}

	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	if serverCount > len(servers) {
		serverCount = len(servers)
	}
	candidates := servers[:serverCount]

	// Sequential pings; the candidate set is small and a measurement run is
	// not latency sensitive.
	var best *st.Server
	for _, s := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.PingTestContext(ctx, nil); err != nil {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("all latency tests failed")
	}

	if err := best.DownloadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("download test: %w", err)
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("upload test: %w", err)
	}

	return &Sample{
		Time:         time.Now(),
		DownloadMbps: best.DLSpeed.Mbps(),
		UploadMbps:   best.ULSpeed.Mbps(),
		PingMs:       float64(best.Latency.Microseconds()) / 1000,
		JitterMs:     float64(best.Jitter.Microseconds()) / 1000,
		ServerName:   best.Sponsor,
		ServerHost:   best.Host,
		ISP:          user.Isp,
		Duration:     time.Since(start).Round(time.Millisecond).String(),
	}, nil
}
