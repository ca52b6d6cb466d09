// mockdecoder drives a running server with simulated transponder traffic.
// It speaks the same ingestion endpoint a real decoder bridge would, so it
// exercises the full filter and crediting path end to end.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chronocore/backend/internal/decoder"
	"github.com/chronocore/backend/internal/engine"
	"github.com/chronocore/backend/internal/model"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "server base URL")
	tags := flag.String("tags", "", "comma-separated transponder tags (overrides -n)")
	count := flag.Int("n", 8, "number of generated transponders")
	lapMean := flag.Duration("lap", 22*time.Second, "mean lap time")
	jitter := flag.Duration("jitter", 3*time.Second, "lap time jitter (+/-)")
	pitChance := flag.Float64("pit", 0.05, "pit stop probability per lap")
	pitDur := flag.Duration("pit-dur", 12*time.Second, "pit lane dwell time")
	noise := flag.Float64("noise", 0.02, "junk detection probability per lap")
	duration := flag.Duration("duration", 0, "how long to run (0 = until interrupted)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	var tagList []string
	if *tags != "" {
		for _, t := range strings.Split(*tags, ",") {
			tagList = append(tagList, strings.TrimSpace(t))
		}
	} else {
		for i := 0; i < *count; i++ {
			tagList = append(tagList, fmt.Sprintf("520%05d", i+1))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	mock := decoder.NewMock(decoder.MockConfig{
		Tags:         tagList,
		LapMean:      *lapMean,
		LapJitter:    *jitter,
		PitChance:    *pitChance,
		PitDuration:  *pitDur,
		NoiseChance:  *noise,
		MinStartSkew: *lapMean,
	})

	sink := &httpSink{
		base:   strings.TrimRight(*addr, "/"),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	slog.Info("mock decoder starting", "server", sink.base, "tags", len(tagList), "lap_mean", *lapMean)
	if err := mock.Run(ctx, sink); err != nil && err != context.Canceled &&
		err != context.DeadlineExceeded {
		slog.Error("mock decoder failed", "error", err)
		os.Exit(1)
	}
	slog.Info("mock decoder stopped")
}

// httpSink posts each pass to the ingestion endpoint. Transport failures are
// logged and the pass is dropped, matching how a real bridge degrades when
// the server is briefly unreachable.
type httpSink struct {
	base   string
	client *http.Client
}

func (s *httpSink) IngestPass(pass model.Pass) engine.IngestResult {
	body, err := json.Marshal(pass)
	if err != nil {
		slog.Error("marshal pass", "error", err)
		return engine.IngestResult{}
	}

	resp, err := s.client.Post(s.base+"/api/v1/passes", "application/json", bytes.NewReader(body))
	if err != nil {
		slog.Warn("pass delivery failed", "tag", pass.Tag, "error", err)
		return engine.IngestResult{}
	}
	defer resp.Body.Close()

	var res engine.IngestResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		slog.Warn("bad response", "status", resp.StatusCode, "error", err)
	}
	return res
}
