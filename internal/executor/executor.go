// Package executor performs the actual page-speed measurement for a profile.
//
// The scheduler treats an Executor as an opaque remote call: one request,
// one structured result or an error. Timeouts are carried on the context.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"speedtrackerd/internal/storage"
	logx "speedtrackerd/pkg/logx"
)

// Result is the structured outcome of one test execution.
//
// Metrics keys are driver-specific; the core stores the result opaquely and
// never interprets individual metrics.
type Result struct {
	CompletedAt time.Time          `json:"completed_at"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	ReportURL   string             `json:"report_url,omitempty"`
	Raw         json.RawMessage    `json:"raw,omitempty"`
}

type Executor interface {
	RunTest(ctx context.Context, params storage.Params) (*Result, error)
}

// Config selects and configures the execution backend.
type Config struct {
	Driver   string
	Endpoint string
	APIKey   string

	PollInterval time.Duration // webpagetest result polling; 0 means default
}

// New initializes the configured executor.
func New(cfg Config, log logx.Logger) (Executor, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "webpagetest", "wpt":
		return newWebPageTest(cfg, log)
	case "speedtest":
		return newSpeedtest(cfg, log), nil
	default:
		return nil, errors.New("unknown executor driver: " + cfg.Driver)
	}
}
