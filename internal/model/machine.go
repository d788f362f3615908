package model

import (
	"fmt"
	"time"
)

const (
	DefaultCurrentTimePath = "/tmp/watchdog_current_unix_time"
	DefaultResetAfterPath  = "/tmp/watchdog_reset_after"
)

// Machine identifies a guest for hypervisor calls and notifications.
type Machine struct {
	Node         string `json:"node"`
	VMID         string `json:"vmid"`
	Domain       string `json:"domain,omitempty"`
	FriendlyName string `json:"friendly_name"`
}

// Key is unique per configured machine and is used as a metrics label.
func (m Machine) Key() string {
	if m.Node == "" {
		return m.VMID
	}
	return m.Node + "/" + m.VMID
}

func (m Machine) String() string {
	return fmt.Sprintf("VMID %s (%s)", m.VMID, m.FriendlyName)
}

// MachineConfig is fixed for the lifetime of one monitor.
type MachineConfig struct {
	Machine

	// How far into the future the guest may push its reset deadline
	// before it is tracked as TooFar.
	MaxNoWarningInterval time.Duration
	GracePeriod          time.Duration
	ResetDuration        time.Duration

	Telegram   *TelegramTarget
	WebhookURL string

	// DryRun suppresses only the reset call.
	DryRun bool

	CurrentTimePath string
	ResetAfterPath  string
}

type TelegramTarget struct {
	BotToken string
	ChatID   string
}

func (c MachineConfig) WithDefaults() MachineConfig {
	if c.CurrentTimePath == "" {
		c.CurrentTimePath = DefaultCurrentTimePath
	}
	if c.ResetAfterPath == "" {
		c.ResetAfterPath = DefaultResetAfterPath
	}
	return c
}
