package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"guest-watchdog/internal/model"
)

const DefaultResetDurationSeconds = 180

// MaxIntervalSeconds is the longest interval a time.Duration can hold.
const MaxIntervalSeconds = uint64(math.MaxInt64 / int64(time.Second))

// File is the machines file. JSON files parse as well since YAML is a
// superset.
type File struct {
	ProxmoxAuth ProxmoxAuth `yaml:"proxmox_auth"`
	// WebhookURL receives messages about every machine.
	WebhookURL string          `yaml:"webhook_url"`
	VMConfigs  []MachineConfig `yaml:"vm_configs"`
}

type ProxmoxAuth struct {
	URL              string `yaml:"url"`
	User             string `yaml:"user"`
	Password         string `yaml:"password"`
	TokenID          string `yaml:"token_id"`
	TokenSecret      string `yaml:"token_secret"`
	AllowInvalidCert bool   `yaml:"allow_invalid_cert"`
}

// MachineConfig is one vm_configs entry. Intervals are whole seconds.
type MachineConfig struct {
	HostName             string `yaml:"host_name"`
	VMID                 string `yaml:"vmid"`
	Domain               string `yaml:"domain"`
	FriendlyName         string `yaml:"friendly_name"`
	MaxNoWarningInterval uint64 `yaml:"max_no_warning_interval"`
	GracePeriod          uint64 `yaml:"grace_period"`
	ResetDuration        uint64 `yaml:"reset_duration"`
	TelegramBotToken     string `yaml:"telegram_bot_token"`
	TelegramChatID       string `yaml:"telegram_chat_id"`
	WebhookURL           string `yaml:"webhook_url"`
	DryRun               bool   `yaml:"dry_run"`
	CurrentTimePath      string `yaml:"current_time_path"`
	ResetAfterPath       string `yaml:"reset_after_path"`
}

func LoadMachines(path string) (File, error) {
	var f File

	fh, err := os.Open(filepath.Clean(path))
	if err != nil {
		return f, fmt.Errorf("open config %q: %w", path, err)
	}
	defer fh.Close()

	data, err := io.ReadAll(fh)
	if err != nil {
		return f, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse config %q: %w", path, err)
	}
	return f, nil
}

// Validate checks the file against the selected backend.
func (f File) Validate(backend Backend) error {
	if len(f.VMConfigs) == 0 {
		return errors.New("vm_configs must list at least one machine")
	}
	if backend == BackendProxmox {
		if err := f.ProxmoxAuth.validate(); err != nil {
			return err
		}
	}
	if err := validateWebhook(f.WebhookURL); err != nil {
		return fmt.Errorf("webhook_url: %w", err)
	}

	seen := make(map[string]int, len(f.VMConfigs))
	for i, vm := range f.VMConfigs {
		if err := vm.validate(backend); err != nil {
			return fmt.Errorf("vm_configs[%d]: %w", i, err)
		}
		key := vm.Machine(backend).Key()
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("vm_configs[%d]: duplicate machine %s (also vm_configs[%d])", i, key, prev)
		}
		seen[key] = i
	}
	return nil
}

func (a ProxmoxAuth) validate() error {
	u, err := url.Parse(strings.TrimSpace(a.URL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("proxmox_auth.url %q must be an absolute URL", a.URL)
	}
	hasPassword := a.User != "" && a.Password != ""
	hasToken := a.TokenID != "" && a.TokenSecret != ""
	if !hasPassword && !hasToken {
		return errors.New("proxmox_auth needs user and password or token_id and token_secret")
	}
	return nil
}

func (c MachineConfig) validate(backend Backend) error {
	if strings.TrimSpace(c.VMID) == "" {
		return errors.New("vmid is required")
	}
	if backend == BackendProxmox && strings.TrimSpace(c.HostName) == "" {
		return errors.New("host_name is required for proxmox backend")
	}
	for _, iv := range []struct {
		name string
		v    uint64
	}{
		{"max_no_warning_interval", c.MaxNoWarningInterval},
		{"grace_period", c.GracePeriod},
		{"reset_duration", c.ResetDuration},
	} {
		if iv.v > MaxIntervalSeconds {
			return fmt.Errorf("%s must be at most %d seconds", iv.name, MaxIntervalSeconds)
		}
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		return errors.New("telegram_bot_token and telegram_chat_id must be set together")
	}
	if err := validateWebhook(c.WebhookURL); err != nil {
		return fmt.Errorf("webhook_url: %w", err)
	}
	return nil
}

func validateWebhook(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return nil
}

// Machine is the identity of the entry. The libvirt backend has no node
// concept, so the host name only scopes proxmox machines.
func (c MachineConfig) Machine(backend Backend) model.Machine {
	m := model.Machine{
		VMID:         strings.TrimSpace(c.VMID),
		Domain:       strings.TrimSpace(c.Domain),
		FriendlyName: c.FriendlyName,
	}
	if backend == BackendProxmox {
		m.Node = strings.TrimSpace(c.HostName)
	}
	if m.FriendlyName == "" {
		m.FriendlyName = m.VMID
	}
	return m
}

// ToModel converts the entry into the monitor configuration.
func (c MachineConfig) ToModel(backend Backend) model.MachineConfig {
	reset := c.ResetDuration
	if reset == 0 {
		reset = DefaultResetDurationSeconds
	}
	out := model.MachineConfig{
		Machine:              c.Machine(backend),
		MaxNoWarningInterval: seconds(c.MaxNoWarningInterval),
		GracePeriod:          seconds(c.GracePeriod),
		ResetDuration:        seconds(reset),
		WebhookURL:           c.WebhookURL,
		DryRun:               c.DryRun,
		CurrentTimePath:      c.CurrentTimePath,
		ResetAfterPath:       c.ResetAfterPath,
	}
	if c.TelegramBotToken != "" {
		out.Telegram = &model.TelegramTarget{BotToken: c.TelegramBotToken, ChatID: c.TelegramChatID}
	}
	return out.WithDefaults()
}

// Machines returns the monitor configuration of every entry, in file order.
func (f File) Machines(backend Backend) []model.MachineConfig {
	out := make([]model.MachineConfig, 0, len(f.VMConfigs))
	for _, vm := range f.VMConfigs {
		out = append(out, vm.ToModel(backend))
	}
	return out
}

// seconds saturates at MaxIntervalSeconds so an unvalidated entry never
// wraps to a negative duration.
func seconds(s uint64) time.Duration {
	if s > MaxIntervalSeconds {
		s = MaxIntervalSeconds
	}
	return time.Duration(s) * time.Second
}
