package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"thermal_client/internal/logger"
	"thermal_client/internal/models"
)

const (
	maxBodyBytes   = 1 << 20
	defaultTimeout = 30 * time.Second
)

// Config configures the remote API client.
type Config struct {
	BaseURL    string
	Token      string
	UserAgent  string
	HTTPClient *http.Client
}

// Client talks to the remote device API. It performs no rate limiting or
// retries itself; every call is expected to go through the scheduler.
type Client struct {
	base  *url.URL
	token string
	agent string
	http  *http.Client
	log   *logger.Logger
}

// NewClient validates cfg. A missing token or unusable base URL is a
// configuration error and is never retried.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, ErrMissingToken
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	if log == nil {
		log = logger.Nop()
	}
	agent := cfg.UserAgent
	if agent == "" {
		agent = "thermal-client"
	}
	return &Client{base: u, token: cfg.Token, agent: agent, http: hc, log: log}, nil
}

// ListDevices returns every device on the account.
func (c *Client) ListDevices(ctx context.Context) ([]models.Device, error) {
	body, err := c.do(ctx, http.MethodGet, "devices", nil)
	if err != nil {
		return nil, err
	}
	return ParseDevices(body)
}

// GetStatus reads one device. Warnings describe tolerated payload anomalies.
func (c *Client) GetStatus(ctx context.Context, deviceID string) (models.DeviceStatus, []string, error) {
	body, err := c.do(ctx, http.MethodGet, "devices/"+url.PathEscape(deviceID), nil)
	if err != nil {
		return models.DeviceStatus{}, nil, err
	}
	return ParseStatus(body)
}

type settingsPayload struct {
	ThermalControlStatus string `json:"thermal_control_status"`
	SetTemperatureF      int    `json:"set_temperature_f"`
}

// PatchSettings sends a power/target command.
func (c *Client) PatchSettings(ctx context.Context, deviceID string, cmd models.Command) error {
	p := settingsPayload{
		ThermalControlStatus: string(models.ThermalStandby),
		SetTemperatureF:      CtoFRounded(cmd.TargetC),
	}
	if cmd.Power == models.PowerOn {
		p.ThermalControlStatus = string(models.ThermalActive)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = c.do(ctx, http.MethodPatch, "devices/"+url.PathEscape(deviceID)+"/settings", raw)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	u := c.base.JoinPath(path)

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.agent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrTransient, err)
	}
	c.log.Debugw("upstream_call", "method", method, "path", path,
		"status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorForStatus(resp.StatusCode, truncate(string(data), 200))
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
