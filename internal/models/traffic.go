package models

import "time"

// TrafficRate is the throughput of one interface between two samples.
// TxBps and RxBps are bytes per second.
type TrafficRate struct {
	Interface   string  `json:"interface"`
	TxBps       float64 `json:"tx_bps"`
	RxBps       float64 `json:"rx_bps"`
	Running     bool    `json:"running"`
	Calculating bool    `json:"calculating,omitempty"`
	Reset       bool    `json:"reset,omitempty"`
}

// TrafficSnapshot is one poll cycle of a traffic monitor
type TrafficSnapshot struct {
	MonitorID string        `json:"monitor_id"`
	Host      string        `json:"host"`
	Timestamp time.Time     `json:"timestamp"`
	Rates     []TrafficRate `json:"rates"`
	Error     string        `json:"error,omitempty"`
}

// MonitorInfo describes a running traffic monitor
type MonitorInfo struct {
	ID        string        `json:"id"`
	Host      string        `json:"host"`
	Interval  time.Duration `json:"interval"`
	StartedAt time.Time     `json:"started_at"`
}

// Queue status of a ConnectionRealtime
const (
	QueueActive  = "active"
	QueueMissing = "no_queue"
)

// ConnectionRealtime is the live throughput of the simple queue shaping one
// connection on its cell router. Rates are bits per second as the router
// reports them.
type ConnectionRealtime struct {
	ConnectionID   string         `json:"connection_id"`
	ConnectionType ConnectionType `json:"connection_type"`
	SubscriberName string         `json:"subscriber_name"`
	IPAddress      string         `json:"ip_address"`
	Target         string         `json:"target"`
	Status         string         `json:"status"`
	QueueName      string         `json:"queue_name,omitempty"`
	UploadBps      uint64         `json:"upload_bps"`
	DownloadBps    uint64         `json:"download_bps"`
	MaxLimit       string         `json:"max_limit,omitempty"`
	Disabled       bool           `json:"disabled"`
	Timestamp      time.Time      `json:"timestamp"`
}
