package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"speedtrackerd/internal/storage"
	logx "speedtrackerd/pkg/logx"
)

// webPageTest talks to a WebPageTest-compatible HTTP API: submit a test,
// then poll the JSON result endpoint until the test completes.
type webPageTest struct {
	endpoint string
	apiKey   string
	poll     time.Duration
	client   *http.Client
	log      logx.Logger
}

func newWebPageTest(cfg Config, log logx.Logger) (*webPageTest, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("webpagetest endpoint is required")
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 10 * time.Second
	}
	return &webPageTest{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		poll:     poll,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log,
	}, nil
}

// submitResponse is the envelope returned by /runtest.php?f=json.
type submitResponse struct {
	StatusCode int    `json:"statusCode"`
	StatusText string `json:"statusText"`
	Data       struct {
		TestID  string `json:"testId"`
		JSONURL string `json:"jsonUrl"`
	} `json:"data"`
}

// resultResponse is the envelope returned by /jsonResult.php.
// statusCode 1xx means still running; 200 means complete.
type resultResponse struct {
	StatusCode int             `json:"statusCode"`
	StatusText string          `json:"statusText"`
	Data       json.RawMessage `json:"data"`
}

// resultData is the subset of the completed payload the summary needs.
type resultData struct {
	Summary string `json:"summary"`
	Median  struct {
		FirstView map[string]json.Number `json:"firstView"`
	} `json:"median"`
}

func (w *webPageTest) RunTest(ctx context.Context, params storage.Params) (*Result, error) {
	if strings.TrimSpace(params.URL) == "" {
		return nil, errors.New("profile has no url")
	}

	testID, jsonURL, err := w.submit(ctx, params)
	if err != nil {
		return nil, err
	}
	w.log.Debug("test submitted", logx.String("test_id", testID), logx.String("url", params.URL))

	if jsonURL == "" {
		jsonURL = w.endpoint + "/jsonResult.php?test=" + url.QueryEscape(testID)
	}

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		res, done, err := w.fetchResult(ctx, jsonURL)
		if err != nil {
			return nil, err
		}
		if done {
			return res, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("awaiting result for test %s: %w", testID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (w *webPageTest) submit(ctx context.Context, params storage.Params) (testID, jsonURL string, err error) {
	q := url.Values{}
	q.Set("url", params.URL)
	q.Set("f", "json")
	if w.apiKey != "" {
		q.Set("k", w.apiKey)
	}
	if params.Location != "" {
		q.Set("location", params.Location)
	}
	if params.Connectivity != "" {
		q.Set("connectivity", params.Connectivity)
	}
	if params.Runs > 0 {
		q.Set("runs", strconv.Itoa(params.Runs))
	}
	if params.Video {
		q.Set("video", "1")
	}

	var sub submitResponse
	if err := w.getJSON(ctx, w.endpoint+"/runtest.php?"+q.Encode(), &sub); err != nil {
		return "", "", fmt.Errorf("submit test: %w", err)
	}
	if sub.StatusCode != http.StatusOK || sub.Data.TestID == "" {
		return "", "", fmt.Errorf("submit test: remote said %d %s", sub.StatusCode, sub.StatusText)
	}
	return sub.Data.TestID, sub.Data.JSONURL, nil
}

func (w *webPageTest) fetchResult(ctx context.Context, jsonURL string) (*Result, bool, error) {
	var envelope resultResponse
	if err := w.getJSON(ctx, jsonURL, &envelope); err != nil {
		return nil, false, fmt.Errorf("fetch result: %w", err)
	}

	switch {
	case envelope.StatusCode >= 100 && envelope.StatusCode < 200:
		// still queued or running
		return nil, false, nil
	case envelope.StatusCode == http.StatusOK:
	default:
		return nil, false, fmt.Errorf("test failed: remote said %d %s", envelope.StatusCode, envelope.StatusText)
	}

	var data resultData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return nil, false, fmt.Errorf("decode result payload: %w", err)
	}

	res := &Result{
		CompletedAt: time.Now(),
		Metrics:     map[string]float64{},
		ReportURL:   data.Summary,
		Raw:         envelope.Data,
	}
	for _, k := range []string{"loadTime", "TTFB", "SpeedIndex", "fullyLoaded", "bytesIn", "requestsFull"} {
		if n, ok := data.Median.FirstView[k]; ok {
			if f, err := n.Float64(); err == nil {
				res.Metrics[k] = f
			}
		}
	}
	return res, true, nil
}

func (w *webPageTest) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: http %d: %s", rawURL, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
