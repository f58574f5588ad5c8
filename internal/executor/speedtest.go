package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/showwin/speedtest-go/speedtest"

	"speedtrackerd/internal/storage"
	logx "speedtrackerd/pkg/logx"
)

// speedtestExec measures raw connectivity (latency/throughput) instead of
// talking to a remote test service. Useful for self-hosted setups with no
// WebPageTest endpoint: the page URL is recorded but not fetched.
type speedtestExec struct {
	log logx.Logger

	// serverCount bounds how many nearby servers are considered.
	serverCount int
}

func newSpeedtest(cfg Config, log logx.Logger) *speedtestExec {
	return &speedtestExec{log: log, serverCount: 5}
}

func (s *speedtestExec) RunTest(ctx context.Context, params storage.Params) (*Result, error) {
	// Fresh client per run: the package-level default client retains large
	// snapshots/chunks across runs.
	st := speedtest.New()
	defer func() {
		st.Snapshots().Clean()
		st.Reset()
	}()

	user, err := st.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}

	servers, err := st.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no servers available")
	}

	// Closest candidates by distance first (cheap), then ping those.
	sort.Slice(servers, func(i, j int) bool {
		return servers[i].Distance < servers[j].Distance
	})
	n := s.serverCount
	if n > len(servers) {
		n = len(servers)
	}

	var best *speedtest.Server
	for _, srv := range servers[:n] {
		if err := srv.PingTestContext(ctx, nil); err != nil {
			continue
		}
		if srv.Latency <= 0 {
			continue
		}
		if best == nil || srv.Latency < best.Latency {
			best = srv
		}
	}
	if best == nil {
		return nil, fmt.Errorf("all latency tests failed")
	}

	s.log.Debug("speedtest server selected",
		logx.String("name", best.Sponsor),
		logx.String("country", best.Country),
		logx.Int64("ping_ms", best.Latency.Milliseconds()),
	)

	if err := best.DownloadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("download test: %w", err)
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("upload test: %w", err)
	}

	res := &Result{
		CompletedAt: time.Now(),
		Metrics: map[string]float64{
			"downloadMbps": best.DLSpeed.Mbps(),
			"uploadMbps":   best.ULSpeed.Mbps(),
			"pingMs":       float64(best.Latency.Milliseconds()),
		},
	}

	raw, err := json.Marshal(map[string]any{
		"isp":            user.Isp,
		"server_name":    best.Sponsor,
		"server_country": best.Country,
		"url":            params.URL,
	})
	if err == nil {
		res.Raw = raw
	}
	return res, nil
}
