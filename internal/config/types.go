package config

// Config is the root configuration document.
//
// Files may be JSON or YAML; both are decoded strictly (unknown fields are
// rejected) so typos surface at startup instead of being silently ignored.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	GitHub    GitHubConfig    `json:"github,omitempty"`

	// BlockList is a comma-separated set of user identifiers barred from
	// triggering or scheduling runs. Loaded once at startup; it is NOT
	// hot-reloaded.
	BlockList string `json:"block_list,omitempty"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Addr string `json:"addr"` // default ":3001"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// RatePerMinute limits on-demand test triggers per user. 0 disables.
	RatePerMinute int `json:"rate_per_minute,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the profile/run store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/speedtracker.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls the periodic evaluation loop.
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "1m"
//   - run_timeout: "10m"
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	TickInterval string `json:"tick_interval,omitempty"`
	RunTimeout   string `json:"run_timeout,omitempty"`
}

// ExecutorConfig selects the test execution backend.
//
// Driver values:
//   - "webpagetest": remote WebPageTest-compatible endpoint (needs endpoint)
//   - "speedtest": local connectivity measurement, no remote service needed
type ExecutorConfig struct {
	Driver   string `json:"driver"`
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"api_key,omitempty"`

	PollInterval string `json:"poll_interval,omitempty"` // webpagetest only
}

type GitHubConfig struct {
	Token   string `json:"token,omitempty"`
	BaseURL string `json:"base_url,omitempty"` // default https://api.github.com
}
