package lib

import (
	"arena/src/config"
	"arena/src/types"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tidwall/gjson"
)

// PixClient is a thin adapter over the PIX payment gateway. It never retries:
// retry policy belongs to the caller, and the caller deliberately compensates
// instead of retrying to avoid duplicate charges.
type PixClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewPixClient() *PixClient {
	return &PixClient{
		baseURL: os.Getenv("PIX_BASE_URL"),
		apiKey:  os.Getenv("PIX_API_KEY"),
		http:    &http.Client{Timeout: config.GatewayTimeout},
	}
}

func (c *PixClient) CreateCharge(ctx context.Context, req types.ChargeRequest) (*types.Charge, error) {
	body, _ := json.Marshal(map[string]any{
		"correlationID": req.CorrelationID,
		"value":         req.Amount,
		"comment":       req.Comment,
		"expiresIn":     int(req.ExpiresIn.Seconds()),
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/charge", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrGateway, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", c.apiKey)
	res, err := c.http.Do(httpReq)
	if err != nil {
		log.Printf("[Pix] charge request failed for %s: %s\n", req.CorrelationID, err.Error())
		return nil, fmt.Errorf("%w: %s", types.ErrGateway, err.Error())
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrGateway, err.Error())
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		log.Printf("[Pix] charge rejected for %s: status=%d body=%s\n", req.CorrelationID, res.StatusCode, raw)
		return nil, fmt.Errorf("%w: gateway returned %d", types.ErrGateway, res.StatusCode)
	}
	charge, err := parseCharge(raw)
	if err != nil {
		return nil, err
	}
	return charge, nil
}

func (c *PixClient) GetCharge(ctx context.Context, chargeRef string) (*types.Charge, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/charge/"+chargeRef, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrGateway, err.Error())
	}
	httpReq.Header.Set("Authorization", c.apiKey)
	res, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrGateway, err.Error())
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrGateway, err.Error())
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("%w: gateway returned %d", types.ErrGateway, res.StatusCode)
	}
	return parseCharge(raw)
}

// parseCharge tolerates the two response shapes the gateway is known to
// return: the charge object at the top level or nested under "charge".
func parseCharge(raw []byte) (*types.Charge, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid response body", types.ErrGateway)
	}
	ref := gjson.GetBytes(raw, "charge.identifier")
	if !ref.Exists() {
		ref = gjson.GetBytes(raw, "identifier")
	}
	pix := gjson.GetBytes(raw, "brCode")
	if !pix.Exists() {
		pix = gjson.GetBytes(raw, "charge.brCode")
	}
	if ref.String() == "" || pix.String() == "" {
		return nil, fmt.Errorf("%w: response missing identifier or brCode", types.ErrGateway)
	}
	charge := &types.Charge{
		ChargeRef: ref.String(),
		PixCode:   pix.String(),
		QRCodeURL: gjson.GetBytes(raw, "charge.qrCodeImage").String(),
		Status:    gjson.GetBytes(raw, "charge.status").String(),
	}
	if exp := gjson.GetBytes(raw, "charge.expiresDate").String(); exp != "" {
		if t, err := time.Parse(time.RFC3339, exp); err == nil {
			charge.ExpiresAt = t
		}
	}
	return charge, nil
}
