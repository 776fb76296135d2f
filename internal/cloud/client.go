// Package cloud talks to the TP-Link cloud JSON-RPC endpoint: login, device
// discovery and passthrough commands.
package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/lampd/internal/kasa"
)

const (
	DefaultEndpoint = "https://wap.tplinkcloud.com/"
	DefaultAppType  = "Kasa_Android"
)

// Options configures a Client.
type Options struct {
	Endpoint     string
	AppType      string
	Timeout      time.Duration
	RateLimitRPS float64
}

// Client is a single-attempt client of the cloud endpoint. It holds no
// session state; callers pass the Session to every authenticated call.
type Client struct {
	endpoint   string
	appType    string
	httpClient *http.Client
	limiter    *rate.Limiter

	// newTerminalID generates the per-login client instance identifier
	newTerminalID func() string
}

// NewClient creates a new cloud client
func NewClient(opts Options) *Client {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.AppType == "" {
		opts.AppType = DefaultAppType
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimitRPS > 0 {
		burst := int(opts.RateLimitRPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), burst)
	}

	return &Client{
		endpoint:      opts.Endpoint,
		appType:       opts.AppType,
		httpClient:    &http.Client{Timeout: opts.Timeout},
		limiter:       limiter,
		newTerminalID: uuid.NewString,
	}
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Endpoint returns the configured endpoint URL
func (c *Client) Endpoint() string {
	return c.endpoint
}

type loginParams struct {
	AppType       string `json:"appType"`
	CloudUserName string `json:"cloudUserName"`
	CloudPassword string `json:"cloudPassword"`
	TerminalUUID  string `json:"terminalUUID"`
}

// Login performs the login exchange. Every failure is an auth error.
func (c *Client) Login(ctx context.Context, username, password string) (*kasa.Session, error) {
	const op = "login"

	terminalID := c.newTerminalID()
	env := kasa.Envelope{
		Method: "login",
		Params: loginParams{
			AppType:       c.appType,
			CloudUserName: username,
			CloudPassword: password,
			TerminalUUID:  terminalID,
		},
	}

	body, err := c.call(ctx, "", env)
	if err != nil {
		return nil, &kasa.Error{Kind: kasa.KindAuth, Op: op, Err: err}
	}

	resp, err := kasa.ParseResponse(body)
	if err != nil {
		return nil, &kasa.Error{Kind: kasa.KindAuth, Op: op, Err: err}
	}
	if resp.ErrorCode != 0 {
		return nil, &kasa.Error{Kind: kasa.KindAuth, Op: op, Code: resp.ErrorCode, Msg: resp.Msg}
	}

	sess, err := kasa.DecodeSession(resp.Result)
	if err != nil {
		return nil, &kasa.Error{Kind: kasa.KindAuth, Op: op, Err: err}
	}

	log.Info().
		Str("account", sess.AccountID).
		Str("country", sess.CountryCode).
		Str("terminal", terminalID).
		Msg("Logged in to cloud")

	return &sess, nil
}

// ListDevices fetches the account's device list.
func (c *Client) ListDevices(ctx context.Context, sess *kasa.Session) ([]kasa.Device, error) {
	const op = "getDeviceList"

	body, err := c.call(ctx, sess.Token, kasa.Envelope{Method: "getDeviceList"})
	if err != nil {
		return nil, &kasa.Error{Kind: kasa.KindDirectory, Op: op, Err: err}
	}

	resp, err := kasa.ParseResponse(body)
	if err != nil {
		return nil, &kasa.Error{Kind: kasa.KindDirectory, Op: op, Err: err}
	}
	if resp.ErrorCode != 0 {
		return nil, &kasa.Error{Kind: kasa.KindDirectory, Op: op, Code: resp.ErrorCode, Msg: resp.Msg}
	}

	devices, err := kasa.DecodeDeviceList(resp.Result)
	if err != nil {
		return nil, &kasa.Error{Kind: kasa.KindDirectory, Op: op, Err: err}
	}

	log.Debug().Int("devices", len(devices)).Msg("Device list fetched")
	return devices, nil
}

// SelectTarget returns the first device whose name equals name.
// Absence is reported through ok, not as an error.
func SelectTarget(devices []kasa.Device, name string) (device kasa.Device, ok bool) {
	for _, d := range devices {
		if d.DeviceName == name {
			return d, true
		}
	}
	return kasa.Device{}, false
}

// Passthrough sends env and returns the raw reply body. Transport failures
// are command errors; decoding is left to the caller.
func (c *Client) Passthrough(ctx context.Context, sess *kasa.Session, env kasa.Envelope) ([]byte, error) {
	body, err := c.call(ctx, sess.Token, env)
	if err != nil {
		return nil, &kasa.Error{Kind: kasa.KindCommand, Op: env.Method, Err: err}
	}
	return body, nil
}

func (c *Client) requestURL(token string) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) call(ctx context.Context, token string, env kasa.Envelope) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := kasa.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	target, err := c.requestURL(token)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	log.Debug().
		Str("method", env.Method).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Cloud request")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
