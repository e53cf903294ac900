package delegator

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"main/pkg/exception"
)

// Provider talks to the execution boundary over HTTP. Requests are
// signed with the sorted-parameter md5 scheme the provider expects.
type Provider struct {
	client   *http.Client
	baseURL  string
	accessID string
	secret   string
}

// NewProvider creates the boundary client.
func NewProvider(client *http.Client, baseURL, accessID, secret string) (*Provider, error) {
	if accessID == "" || secret == "" {
		return nil, exception.ErrBoundaryMissingCreds
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		accessID: accessID,
		secret:   secret,
	}, nil
}

type providerResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Status string `json:"status"` // "applied" | "queued"
		Ref    string `json:"ref"`
	} `json:"data"`
}

var actionPaths = map[Action]string{
	ActionOpen:       "/api/trade/open",
	ActionClose:      "/api/trade/close",
	ActionCancel:     "/api/trade/cancel",
	ActionStopLoss:   "/api/trade/stoploss",
	ActionTakeProfit: "/api/trade/takeprofit",
}

// Send forwards one mutation and parses the provider verdict.
func (p *Provider) Send(ctx context.Context, req Request) (Response, error) {
	path, ok := actionPaths[req.Action]
	if !ok {
		return Response{}, exception.ErrBoundaryUnsupported
	}

	body := map[string]string{
		"access_id":    p.accessID,
		"tm":           strconv.FormatInt(time.Now().Unix(), 10),
		"order_id":     req.OrderID,
		"lifecycle_id": req.LifecycleID,
		"account_type": string(req.AccountType),
		"account_id":   req.AccountID,
		"symbol":       req.Symbol,
		"side":         string(req.Side),
		"price":        req.Price.String(),
		"quantity":     req.Quantity.String(),
	}

	payload, err := sonic.ConfigFastest.Marshal(body)
	if err != nil {
		return Response{}, err
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Response{}, err
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("authorization", p.sign(body))

	resp, err := p.client.Do(r)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	var data providerResponse
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Response{}, exception.ErrBoundaryBadResponse
	}

	if data.Code != 0 {
		return Response{Accepted: false, Reason: data.Message}, nil
	}

	switch data.Data.Status {
	case "applied":
		return Response{Accepted: true, Queued: false, ProviderRef: data.Data.Ref}, nil
	case "queued":
		return Response{Accepted: true, Queued: true, ProviderRef: data.Data.Ref}, nil
	default:
		return Response{}, exception.ErrBoundaryBadResponse
	}
}

func (p *Provider) sign(body map[string]string) string {
	pairs := make([]string, 0, len(body)+1)
	for k, v := range body {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, v))
	}
	pairs = append(pairs, fmt.Sprintf("secret_key=%s", p.secret))
	sort.Strings(pairs)
	hash := md5.Sum([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(hash[:])
}
