package kucoin

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/phkoenig/marketfeed/internal/auth"
	"github.com/phkoenig/marketfeed/internal/exchange"
)

const (
	publicBullet  = "/api/v1/bullet-public"
	privateBullet = "/api/v1/bullet-private"

	// Tokens are valid for 24 hours. They are treated as expired one minute
	// early so a healthy connection re-authenticates before the venue
	// severs the link.
	tokenTTL     = 24 * time.Hour
	expiryMargin = time.Minute
)

// bulletResponse is the REST reply for both bullet endpoints.
type bulletResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint     string `json:"endpoint"`
			Protocol     string `json:"protocol"`
			PingInterval int64  `json:"pingInterval"` // ms
			PingTimeout  int64  `json:"pingTimeout"`  // ms
		} `json:"instanceServers"`
	} `json:"data"`
}

// tokenSource acquires WebSocket sessions via the bullet handshake. With
// complete credentials it uses the private bullet (signed), otherwise the
// public one. Safe to call repeatedly; every call fetches a fresh token.
type tokenSource struct {
	restURL string
	client  *http.Client
	creds   auth.Credentials
	private bool
}

func newTokenSource(restURL string, client *http.Client, creds auth.Credentials, private bool) *tokenSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &tokenSource{restURL: restURL, client: client, creds: creds, private: private}
}

// acquire performs the bullet request and returns the dial URL with the
// token embedded, plus the refresh deadline.
func (t *tokenSource) acquire(ctx context.Context) (exchange.Session, error) {
	path := publicBullet
	if t.private {
		path = privateBullet
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.restURL+path, nil)
	if err != nil {
		return exchange.Session{}, fmt.Errorf("build bullet request: %w", err)
	}
	if t.private {
		t.sign(req, path)
	}

	acquiredAt := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return exchange.Session{}, fmt.Errorf("bullet request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return exchange.Session{}, fmt.Errorf("read bullet response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return exchange.Session{}, fmt.Errorf("bullet request: status %d: %s", resp.StatusCode, body)
	}

	var bullet bulletResponse
	if err := json.Unmarshal(body, &bullet); err != nil {
		return exchange.Session{}, fmt.Errorf("decode bullet response: %w", err)
	}
	if bullet.Code != "200000" {
		return exchange.Session{}, fmt.Errorf("bullet request rejected: code %s: %s", bullet.Code, bullet.Msg)
	}
	if bullet.Data.Token == "" || len(bullet.Data.InstanceServers) == 0 {
		return exchange.Session{}, fmt.Errorf("bullet response missing token or instance servers")
	}

	server := bullet.Data.InstanceServers[0]
	return exchange.Session{
		URL:    server.Endpoint + "?token=" + bullet.Data.Token,
		Expiry: acquiredAt.Add(tokenTTL - expiryMargin),
	}, nil
}

// sign adds the KC-API v2 authentication headers.
func (t *tokenSource) sign(req *http.Request, path string) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("KC-API-KEY", t.creds.Key)
	req.Header.Set("KC-API-TIMESTAMP", ts)
	req.Header.Set("KC-API-SIGN", hmacSign(t.creds.Secret, ts+http.MethodPost+path))
	req.Header.Set("KC-API-PASSPHRASE", hmacSign(t.creds.Secret, t.creds.Passphrase))
	req.Header.Set("KC-API-KEY-VERSION", "2")
}

func hmacSign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
