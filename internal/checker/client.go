// Package checker asks the external messenger service whether a decrypted
// session can still log in.
package checker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

const sessionFileName = "session.session"

// Client implements purchase.Checker over plain HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// New builds a Client. The timeout also bounds each login check.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type checkResponse struct {
	OK bool `json:"ok"`
}

// CanLogin posts the scratch session to the checker service. Transport
// failures surface as errors; the caller treats them as "not usable".
func (client *Client) CanLogin(ctx context.Context, scratchDir string, phone string) (bool, error) {
	values := url.Values{}
	values.Set("session_path", filepath.Join(scratchDir, sessionFileName))
	values.Set("tdata_path", filepath.Join(scratchDir, "tdata"))
	values.Set("phone", phone)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+"/check", strings.NewReader(values.Encode()))
	if err != nil {
		return false, err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := client.client.Do(request)
	if err != nil {
		return false, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return false, fmt.Errorf("checker: unexpected status %d", response.StatusCode)
	}
	var decoded checkResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return false, err
	}
	return decoded.OK, nil
}
