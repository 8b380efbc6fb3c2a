// Package audit ships identity audit records to external destinations.
// Every record is first written to the audit_logs table inside the same
// transaction as the state change it describes; shippers copy the committed
// record to a webhook (SIEM, log aggregator) or a local JSON-lines file.
package audit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/clinicore/identity/internal/config"
	"github.com/clinicore/identity/internal/db/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body
const SignatureHeader = "X-Audit-Signature"

const redacted = "[redacted]"

// sensitiveKeys never leave the process, whatever a caller put in Details
var sensitiveKeys = []string{"password", "token", "secret", "smtp_password"}

// LogEntry is one shipped audit record
type LogEntry struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Action      string                 `json:"action"`
	Category    string                 `json:"category"`
	UserID      string                 `json:"user_id,omitempty"`
	UserEmail   string                 `json:"user_email,omitempty"`
	TenantID    string                 `json:"tenant_id,omitempty"`
	EntityType  string                 `json:"entity_type,omitempty"`
	EntityID    string                 `json:"entity_id,omitempty"`
	Description string                 `json:"description,omitempty"`
	IPAddress   string                 `json:"ip_address,omitempty"`
	UserAgent   string                 `json:"user_agent,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// EntryFromRecord converts a stored audit row into a shippable entry with
// secret-looking detail values replaced.
func EntryFromRecord(r *models.AuditLog) *LogEntry {
	return &LogEntry{
		ID:          r.ID,
		Timestamp:   r.CreatedAt,
		Action:      r.Action,
		Category:    r.Category,
		UserID:      deref(r.UserID),
		UserEmail:   deref(r.UserEmail),
		TenantID:    deref(r.TenantID),
		EntityType:  deref(r.EntityType),
		EntityID:    deref(r.EntityID),
		Description: deref(r.Description),
		IPAddress:   deref(r.IPAddress),
		UserAgent:   deref(r.UserAgent),
		RequestID:   deref(r.RequestID),
		Details:     Redact(r.Details),
	}
}

// Redact returns a copy of details in which every key naming a password,
// token or secret has its value replaced. Nested maps are walked.
func Redact(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if isSensitive(k) {
			out[k] = redacted
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Shipper delivers audit entries to one destination
type Shipper interface {
	Ship(ctx context.Context, entry *LogEntry) error
	Close() error
}

// ShipperConfig holds configuration for audit log shippers
type ShipperConfig struct {
	Enabled bool
	// Type is the shipper type (webhook, file)
	Type    string
	Webhook *WebhookConfig
	File    *FileConfig
	// Categories restricts the shipper; empty means every category
	Categories []string
}

// WebhookConfig holds webhook shipper configuration
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	// BatchSize is how many entries to collect before sending (0 = one request per entry)
	BatchSize     int
	FlushInterval time.Duration
	SigningSecret string
}

// FileConfig holds file shipper configuration
type FileConfig struct {
	Path string
	// MaxSizeMB is the file size that triggers rotation (0 = never)
	MaxSizeMB  int
	MaxBackups int
}

// ConfigsFrom converts the application's audit section into shipper configs
func ConfigsFrom(cfg config.AuditConfig) []ShipperConfig {
	out := make([]ShipperConfig, 0, len(cfg.Shippers))
	for _, s := range cfg.Shippers {
		sc := ShipperConfig{Enabled: s.Enabled, Type: s.Type, Categories: s.Categories}
		if s.Webhook != nil {
			sc.Webhook = &WebhookConfig{
				URL:           s.Webhook.URL,
				Headers:       s.Webhook.Headers,
				Timeout:       time.Duration(s.Webhook.TimeoutSecs) * time.Second,
				BatchSize:     s.Webhook.BatchSize,
				FlushInterval: time.Duration(s.Webhook.FlushInterval) * time.Second,
				SigningSecret: s.Webhook.SigningSecret,
			}
		}
		if s.File != nil {
			sc.File = &FileConfig{
				Path:       s.File.Path,
				MaxSizeMB:  s.File.MaxSizeMB,
				MaxBackups: s.File.MaxBackups,
			}
		}
		out = append(out, sc)
	}
	return out
}

// route pairs a shipper with the categories it accepts
type route struct {
	shipper    Shipper
	categories []string
}

func (r route) accepts(category string) bool {
	return len(r.categories) == 0 || slices.Contains(r.categories, category)
}

// MultiShipper fans entries out to every configured destination
type MultiShipper struct {
	routes []route
	mu     sync.RWMutex
}

// NewMultiShipper builds the enabled shippers in configs. Any shipper that
// fails to build closes the ones already opened.
func NewMultiShipper(configs []ShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{}
	for i, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		err := checkCategories(cfg.Categories)
		var shipper Shipper
		if err == nil {
			shipper, err = newShipper(cfg)
		}
		if err != nil {
			_ = ms.Close()
			return nil, fmt.Errorf("audit shipper %d (%s): %w", i, cfg.Type, err)
		}
		ms.routes = append(ms.routes, route{shipper: shipper, categories: cfg.Categories})
	}
	return ms, nil
}

func newShipper(cfg ShipperConfig) (Shipper, error) {
	switch cfg.Type {
	case "webhook":
		if cfg.Webhook == nil {
			return nil, errors.New("webhook config is required")
		}
		return NewWebhookShipper(cfg.Webhook)
	case "file":
		if cfg.File == nil {
			return nil, errors.New("file config is required")
		}
		return NewFileShipper(cfg.File)
	default:
		return nil, fmt.Errorf("unknown shipper type %q", cfg.Type)
	}
}

func checkCategories(categories []string) error {
	valid := models.AuditCategories()
	for _, c := range categories {
		if !slices.Contains(valid, c) {
			return fmt.Errorf("unknown audit category %q", c)
		}
	}
	return nil
}

// Len returns the number of active shippers
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.routes)
}

// Ship sends entry to every shipper that accepts its category. A failing
// shipper does not stop delivery to the others.
func (ms *MultiShipper) Ship(ctx context.Context, entry *LogEntry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var errs []error
	for _, r := range ms.routes {
		if !r.accepts(entry.Category) {
			continue
		}
		if err := r.shipper.Ship(ctx, entry); err != nil {
			slog.Warn("audit shipper error", "action", entry.Action, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes and closes all shippers
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var errs []error
	for _, r := range ms.routes {
		if err := r.shipper.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	ms.routes = nil
	return errors.Join(errs...)
}

// WebhookShipper POSTs entries as JSON. With batching enabled entries are
// buffered and sent as an array when the batch fills or the flush interval
// elapses.
type WebhookShipper struct {
	cfg    *WebhookConfig
	client *http.Client

	mu      sync.Mutex
	pending []*LogEntry

	flushNow  chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewWebhookShipper creates a new webhook shipper
func NewWebhookShipper(cfg *WebhookConfig) (*WebhookShipper, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	ws := &WebhookShipper{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		flushNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if cfg.BatchSize > 0 {
		go ws.loop()
	} else {
		close(ws.stopped)
	}
	return ws, nil
}

func (ws *WebhookShipper) loop() {
	defer close(ws.stopped)
	ticker := time.NewTicker(ws.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ws.flush()
		case <-ws.flushNow:
			ws.flush()
		case <-ws.done:
			ws.flush()
			return
		}
	}
}

// flush sends everything buffered so far as one request
func (ws *WebhookShipper) flush() {
	ws.mu.Lock()
	batch := ws.pending
	ws.pending = nil
	ws.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ws.cfg.Timeout)
	defer cancel()
	if err := ws.post(ctx, batch); err != nil {
		slog.Error("failed to send audit batch", "entries", len(batch), "error", err)
	}
}

// Ship sends entry, or buffers it when batching is enabled
func (ws *WebhookShipper) Ship(ctx context.Context, entry *LogEntry) error {
	if ws.cfg.BatchSize <= 0 {
		return ws.post(ctx, entry)
	}

	ws.mu.Lock()
	ws.pending = append(ws.pending, entry)
	full := len(ws.pending) >= ws.cfg.BatchSize
	ws.mu.Unlock()

	if full {
		select {
		case ws.flushNow <- struct{}{}:
		default:
		}
	}
	return nil
}

func (ws *WebhookShipper) post(ctx context.Context, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}
	if ws.cfg.SigningSecret != "" {
		req.Header.Set(SignatureHeader, Sign(ws.cfg.SigningSecret, data))
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close flushes anything buffered and stops the batch loop
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() { close(ws.done) })
	<-ws.stopped
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in
// SignatureHeader. Receivers recompute it to authenticate the sender.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// FileShipper appends entries to a JSON-lines file, rotating by size
type FileShipper struct {
	cfg  *FileConfig
	mu   sync.Mutex
	file *os.File
}

// NewFileShipper creates a new file shipper
func NewFileShipper(cfg *FileConfig) (*FileShipper, error) {
	file, err := openAppend(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &FileShipper{cfg: cfg, file: file}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}

// Ship writes entry as one line
func (fs *FileShipper) Ship(_ context.Context, entry *LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.shouldRotate() {
		if err := fs.rotate(); err != nil {
			slog.Error("failed to rotate audit log", "path", fs.cfg.Path, "error", err)
		}
	}
	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

func (fs *FileShipper) shouldRotate() bool {
	if fs.cfg.MaxSizeMB <= 0 {
		return false
	}
	info, err := fs.file.Stat()
	return err == nil && info.Size() >= int64(fs.cfg.MaxSizeMB)<<20
}

// rotate shifts path.N to path.N+1, keeping at least one backup, and reopens path
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	keep := max(fs.cfg.MaxBackups, 1)
	backup := func(n int) string { return fmt.Sprintf("%s.%d", fs.cfg.Path, n) }
	_ = os.Remove(backup(keep))
	for n := keep - 1; n >= 1; n-- {
		_ = os.Rename(backup(n), backup(n+1))
	}
	_ = os.Rename(fs.cfg.Path, backup(1))

	file, err := openAppend(fs.cfg.Path)
	if err != nil {
		return err
	}
	fs.file = file
	return nil
}

// Close closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
