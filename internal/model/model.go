// Package model defines the records fleet reads from and writes to the store.
package model

import (
	"time"

	"gorm.io/gorm"
)

// HostStatus is the reachability state shown on the dashboard.
type HostStatus string

const (
	HostUnknown HostStatus = "unknown"
	HostOnline  HostStatus = "online"
	HostOffline HostStatus = "offline"
)

// Host is a managed remote machine.
type Host struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Name        string         `gorm:"uniqueIndex;size:128;not null" json:"name"`
	Address     string         `gorm:"size:255;not null" json:"address"`
	Port        int            `gorm:"default:22" json:"port"`
	Username    string         `gorm:"size:64" json:"username"`
	Active      bool           `gorm:"default:true" json:"active"`
	Status      HostStatus     `gorm:"size:16;default:unknown" json:"status"`
	StatusError string         `gorm:"type:text" json:"statusError,omitempty"`
	OSFamily    string         `gorm:"size:32" json:"osFamily,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`

	Connection *AgentConnection `gorm:"foreignKey:HostID" json:"-"`
}

// AuthMode selects how a host authenticates.
type AuthMode string

const (
	AuthPassword AuthMode = "password"
	AuthKey      AuthMode = "key"
)

// AgentConnection holds the encrypted credentials for one host.
// EncryptedSecret is the password or the private key, depending on AuthMode.
type AgentConnection struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	HostID              uint       `gorm:"uniqueIndex;not null" json:"hostId"`
	AuthMode            AuthMode   `gorm:"size:16;not null" json:"authMode"`
	EncryptedSecret     string     `gorm:"type:text" json:"-"`
	EncryptedPassphrase string     `gorm:"type:text" json:"-"`
	LastConnectedAt     *time.Time `json:"lastConnectedAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// HostMetricsSnapshot is one collection cycle of host metrics. Append-only.
type HostMetricsSnapshot struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	HostID        uint      `gorm:"index:idx_host_recorded,priority:1;not null" json:"hostId"`
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float64   `json:"memoryPercent"`
	MemoryUsed    int64     `json:"memoryUsed"`
	MemoryTotal   int64     `json:"memoryTotal"`
	DiskPercent   float64   `json:"diskPercent"`
	DiskUsed      int64     `json:"diskUsed"`
	DiskTotal     int64     `json:"diskTotal"`
	Load1         float64   `json:"load1"`
	Load5         float64   `json:"load5"`
	Load15        float64   `json:"load15"`
	NetworkRx     int64     `json:"networkRx"`
	NetworkTx     int64     `json:"networkTx"`
	SwapPercent   float64   `json:"swapPercent"`
	ProcessCount  int       `json:"processCount"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	RecordedAt    time.Time `gorm:"index:idx_host_recorded,priority:2;not null" json:"recordedAt"`
}

// Service is a process-manager unit discovered on a host.
// (HostID, Name) is unique; discovery upserts on it.
type Service struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	HostID        uint      `gorm:"uniqueIndex:ux_service_host_name,priority:1;not null" json:"hostId"`
	Name          string    `gorm:"uniqueIndex:ux_service_host_name,priority:2;size:255;not null" json:"name"`
	Description   string    `gorm:"type:text" json:"description"`
	Status        string    `gorm:"size:64" json:"status"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Application is a deployed software unit on a host.
type Application struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	HostID           uint      `gorm:"index;not null" json:"hostId"`
	Name             string    `gorm:"size:128" json:"name"`
	Path             string    `gorm:"size:512;not null" json:"path"`
	Kind             string    `gorm:"size:32" json:"kind"`
	Language         string    `gorm:"size:32" json:"language"`
	LanguageVersion  string    `gorm:"size:32" json:"languageVersion"`
	FrameworkVersion string    `gorm:"size:32" json:"frameworkVersion"`
	URL              string    `gorm:"size:512" json:"url"`
	AccessLogPath    string    `gorm:"size:512" json:"accessLogPath"`
	ErrorLogPath     string    `gorm:"size:512" json:"errorLogPath"`
	WebServerUnit    string    `gorm:"size:128" json:"webServerUnit"`
	DatabaseUnit     string    `gorm:"size:128" json:"databaseUnit"`
	Status           string    `gorm:"size:32" json:"status"`
	Environment      string    `gorm:"size:32" json:"environment"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// ApplicationMetricsSnapshot is one collection cycle for an application. Append-only.
type ApplicationMetricsSnapshot struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ApplicationID uint      `gorm:"index:idx_app_recorded,priority:1;not null" json:"applicationId"`
	RequestCount  int64     `json:"requestCount"`
	ErrorCount    int64     `json:"errorCount"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float64   `json:"memoryPercent"`
	RecordedAt    time.Time `gorm:"index:idx_app_recorded,priority:2;not null" json:"recordedAt"`
}
