package decoder

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/chronocore/backend/internal/model"
)

// MockConfig shapes the simulated traffic.
type MockConfig struct {
	Tags         []string      // transponders circulating on track
	LapMean      time.Duration // mean lap time
	LapJitter    time.Duration // +/- uniform jitter per lap
	PitChance    float64       // probability of a pit stop after a crossing
	PitDuration  time.Duration // time spent in the pit lane
	NoiseChance  float64       // probability of an injected junk detection
	MinStartSkew time.Duration // max random stagger of first crossings
}

// Mock simulates one timing decoder: each configured tag crosses the line
// on its own schedule, with occasional pit stops and junk detections to
// exercise the filter pipeline.
type Mock struct {
	cfg      MockConfig
	deviceID string
	logger   *slog.Logger
	rng      *rand.Rand
}

// NewMock builds a mock decoder with a fresh device id.
func NewMock(cfg MockConfig) *Mock {
	if cfg.LapMean <= 0 {
		cfg.LapMean = 20 * time.Second
	}
	if cfg.PitDuration <= 0 {
		cfg.PitDuration = 8 * time.Second
	}
	deviceID := "mock-" + uuid.NewString()[:8]
	return &Mock{
		cfg:      cfg,
		deviceID: deviceID,
		logger:   slog.With("component", "mockdecoder", "device", deviceID),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run drives one goroutine per tag until ctx is canceled.
func (m *Mock) Run(ctx context.Context, sink PassSink) error {
	if len(m.cfg.Tags) == 0 {
		return fmt.Errorf("mock decoder: no tags configured")
	}

	done := make(chan struct{})
	for _, tag := range m.cfg.Tags {
		// seed drawn here, not in the goroutine: rand.Rand is not safe
		// for concurrent use
		go m.drive(ctx, sink, tag, m.rng.Int63(), done)
	}
	for range m.cfg.Tags {
		<-done
	}
	return ctx.Err()
}

func (m *Mock) drive(ctx context.Context, sink PassSink, tag string, seed int64, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	rng := rand.New(rand.NewSource(seed))

	if m.cfg.MinStartSkew > 0 {
		skew := time.Duration(rng.Int63n(int64(m.cfg.MinStartSkew)))
		if !sleepCtx(ctx, skew) {
			return
		}
	}

	for {
		lap := m.cfg.LapMean
		if m.cfg.LapJitter > 0 {
			lap += time.Duration(rng.Int63n(int64(2*m.cfg.LapJitter))) - m.cfg.LapJitter
		}
		if !sleepCtx(ctx, lap) {
			return
		}

		res := sink.IngestPass(model.Pass{
			Tag:      tag,
			TsNs:     time.Now().UnixNano(),
			Source:   model.SourceTrack,
			DeviceID: m.deviceID,
		})
		if res.LapAdded {
			m.logger.Debug("lap", "tag", tag, "lap_time_s", res.LapTimeS)
		}

		if rng.Float64() < m.cfg.NoiseChance {
			// junk detection: short or unknown tag
			junk := "123"
			if rng.Intn(2) == 0 {
				junk = fmt.Sprintf("9999%03d", rng.Intn(1000))
			}
			sink.IngestPass(model.Pass{Tag: junk, Source: model.SourceTrack, DeviceID: m.deviceID})
		}

		if rng.Float64() < m.cfg.PitChance {
			sink.IngestPass(model.Pass{Tag: tag, Source: model.SourcePitIn, DeviceID: m.deviceID})
			if !sleepCtx(ctx, m.cfg.PitDuration) {
				return
			}
			sink.IngestPass(model.Pass{Tag: tag, Source: model.SourcePitOut, DeviceID: m.deviceID})
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
