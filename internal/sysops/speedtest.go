package sysops

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
	"golang.org/x/sync/errgroup"

	"opsagent/internal/skill"
	logx "opsagent/pkg/logx"
)

// SpeedResult is one measurement against the chosen server.
type SpeedResult struct {
	DownloadMbps  float64
	UploadMbps    float64
	Ping          time.Duration
	Jitter        time.Duration
	ISP           string
	ServerName    string
	ServerCountry string
	Duration      time.Duration
}

// SpeedConfig controls server selection.
type SpeedConfig struct {
	// Candidates is how many nearest servers are pinged.
	Candidates     int
	MaxConnections int
	Timeout        time.Duration
}

type Speedtest struct {
	cfg SpeedConfig
	log logx.Logger
}

func NewSpeedtest(cfg SpeedConfig, log logx.Logger) *Speedtest {
	if cfg.Candidates <= 0 {
		cfg.Candidates = 5
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Speedtest{cfg: cfg, log: log.With(logx.String("comp", "speedtest"))}
}

// Run pings the nearest candidates and runs a full test on the fastest one.
func (s *Speedtest) Run(ctx context.Context) (SpeedResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	start := time.Now()

	// A private client; the package-level helpers keep global state.
	stc := st.New(st.WithUserConfig(&st.UserConfig{MaxConnections: s.cfg.MaxConnections}))
	stc.SetNThread(s.cfg.MaxConnections)
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return SpeedResult{}, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return SpeedResult{}, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return SpeedResult{}, errors.New("no speedtest servers available")
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	if len(servers) > s.cfg.Candidates {
		servers = servers[:s.cfg.Candidates]
	}

	best, err := fastest(ctx, servers)
	if err != nil {
		return SpeedResult{}, err
	}
	if err := best.DownloadTestContext(ctx); err != nil {
		return SpeedResult{}, fmt.Errorf("download test: %w", err)
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return SpeedResult{}, fmt.Errorf("upload test: %w", err)
	}

	res := SpeedResult{
		DownloadMbps:  best.DLSpeed.Mbps(),
		UploadMbps:    best.ULSpeed.Mbps(),
		Ping:          best.Latency,
		Jitter:        best.Jitter,
		ISP:           user.Isp,
		ServerName:    best.Sponsor,
		ServerCountry: best.Country,
		Duration:      time.Since(start),
	}
	s.log.Info("speedtest finished",
		logx.String("server", res.ServerName),
		logx.Duration("ping", res.Ping),
		logx.Duration("took", res.Duration),
	)
	return res, nil
}

// fastest pings every server concurrently and returns the lowest latency.
func fastest(ctx context.Context, servers []*st.Server) (*st.Server, error) {
	ok := make([]bool, len(servers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, srv := range servers {
		g.Go(func() error {
			if err := srv.PingTestContext(gctx, nil); err == nil && srv.Latency > 0 {
				ok[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	var best *st.Server
	for i, srv := range servers {
		if ok[i] && (best == nil || srv.Latency < best.Latency) {
			best = srv
		}
	}
	if best == nil {
		return nil, errors.New("all latency tests failed")
	}
	return best, nil
}

func FormatSpeed(r SpeedResult) string {
	return fmt.Sprintf("🚀 *Network Speedtest*\nServer: %s (%s)\nISP: %s\nPing: %d ms | Jitter: %d ms\nDownload: %.2f Mbps\nUpload: %.2f Mbps",
		r.ServerName, r.ServerCountry, r.ISP,
		r.Ping.Milliseconds(), r.Jitter.Milliseconds(),
		r.DownloadMbps, r.UploadMbps)
}

func (s *Speedtest) Skill() skill.Skill {
	return skill.Skill{
		Name:        "NETWORK_SPEEDTEST",
		Description: "Measure internet ping, download and upload speed from this host.",
		Run: func(ctx context.Context, _ skill.Args) (string, error) {
			r, err := s.Run(ctx)
			if err != nil {
				return "", err
			}
			return FormatSpeed(r), nil
		},
	}
}
