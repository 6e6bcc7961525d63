package types

import "encoding/json"

// Candidate is one proxy configuration entry as returned by the catalog
// service. The engine never interprets its fields; it is forwarded verbatim
// to the probe service.
type Candidate = json.RawMessage

// ProbeResult is the outcome of testing one Candidate.
type ProbeResult struct {
	ConfigID        string `json:"config_id"`
	Protocol        string `json:"protocol"` // "vless", "vmess", "trojan", "shadowsocks"; unknown values tolerated
	Server          string `json:"server"`
	Port            int    `json:"port"`
	Name            string `json:"name"`
	Country         string `json:"country"`
	TelegramChannel string `json:"telegram_channel,omitempty"`
	IsTelegram      bool   `json:"is_telegram"`
	Success         bool   `json:"success"`
	LatencyMs       int64  `json:"latency_ms"` // meaningful only when Success is true
	TestedAt        string `json:"tested_at,omitempty"`
}

// ProgressSnapshot tracks one connection run. Counters are monotonically
// non-decreasing within a run and reset to zero when a new run starts.
type ProgressSnapshot struct {
	BatchIndex   int `json:"batch_index"` // 1-based index of the batch in flight
	BatchCount   int `json:"batch_count"`
	BatchSize    int `json:"batch_size"`
	TestedTotal  int `json:"tested_total"`
	SuccessTotal int `json:"success_total"`
}
