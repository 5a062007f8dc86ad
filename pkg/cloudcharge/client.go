// Package cloudcharge is a client for the CloudCharge user API that DEFA
// chargers are managed through.
package cloudcharge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/chargebridge/chargebridge/pkg/common"
	"github.com/chargebridge/chargebridge/pkg/log"
	"github.com/chargebridge/chargebridge/pkg/types"
)

// DefaultBaseURL is the production CloudCharge user API.
const DefaultBaseURL = "https://prod.cloudcharge.se/services/user"

// ResetType selects how hard a connector reset should be.
type ResetType string

const (
	ResetSoft ResetType = "soft"
	ResetHard ResetType = "hard"
)

// Client talks to the CloudCharge API. All authenticated methods return
// *NotLoggedInError until Login, LoginWithPhoneNumber or SetLogin has run.
type Client struct {
	client  *http.Client
	baseURL string

	mu       sync.Mutex
	userID   string
	token    string
	loggedIn bool
}

// New returns a client for the given base URL. An empty baseURL uses
// DefaultBaseURL.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		client:  common.HTTPClient(10 * time.Second),
		baseURL: baseURL,
	}
}

// Configured returns a client whose base URL comes from flags.
func Configured() *Client {
	c := New("")
	baseURL := lflag.String("cloudcharge-base-url", DefaultBaseURL, "CloudCharge API base URL")
	lflag.Do(func() {
		c.baseURL = *baseURL
	})
	return c
}

// SetLogin stores credentials without validating them against the API.
func (c *Client) SetLogin(userID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.token = token
	c.loggedIn = true
}

// ForgetLogin drops the stored credentials without sending a logout request.
func (c *Client) ForgetLogin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = ""
	c.token = ""
	c.loggedIn = false
}

// IsLoggedIn reports whether credentials are stored.
func (c *Client) IsLoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedIn
}

// Credentials returns the stored credentials so the caller can persist them.
func (c *Client) Credentials() (types.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedIn {
		return types.Credentials{}, &NotLoggedInError{}
	}
	return types.Credentials{UserID: c.userID, Token: c.token}, nil
}

// Login validates the given token against the profile endpoint and stores it
// on success.
func (c *Client) Login(ctx context.Context, userID, token string) error {
	req, err := c.newGetRequest(ctx, "profile", nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-authorization", token)
	req.Header.Set("x-user", userID)

	if err := c.do(req, nil); err != nil {
		return err
	}

	c.SetLogin(userID, token)
	log.Ctx(ctx).DebugContext(ctx, "cloudcharge login validated", slog.String("userID", userID))
	return nil
}

// SendSMSCode requests a one-time login code for the phone number. devToken
// is optional.
func (c *Client) SendSMSCode(ctx context.Context, phoneNumber, devToken string) error {
	payload := map[string]string{"phoneNr": phoneNumber}
	if devToken != "" {
		payload["devToken"] = devToken
	}

	req, err := c.newPostJSONRequest(ctx, "prelogin", payload)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

type loginResult struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// LoginWithPhoneNumber exchanges the SMS code for a token and stores the
// resulting credentials.
func (c *Client) LoginWithPhoneNumber(ctx context.Context, phoneNumber, code, devToken string) error {
	payload := map[string]string{
		"phoneNr":  phoneNumber,
		"password": code,
	}
	if devToken != "" {
		payload["devToken"] = devToken
	}

	req, err := c.newPostJSONRequest(ctx, "login", payload)
	if err != nil {
		return err
	}

	var res loginResult
	if err := c.do(req, &res); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cloudcharge login failed", slog.Any("error", err))
		return err
	}

	c.SetLogin(res.ID, res.Token)
	log.Ctx(ctx).DebugContext(ctx, "cloudcharge login success", slog.String("userID", res.ID))
	return nil
}

// Logout invalidates the token server-side and forgets it locally.
func (c *Client) Logout(ctx context.Context) error {
	req, err := c.newPostJSONRequest(ctx, "logout", nil)
	if err != nil {
		return err
	}
	if err := c.doAuthed(req, nil); err != nil {
		return err
	}
	c.ForgetLogin()
	return nil
}

// GetChargepointIDs returns the distinct chargepoint IDs from the private
// chargers list and the receiving-access list combined.
func (c *Client) GetChargepointIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string

	private, err := c.GetPrivateChargepoints(ctx)
	if err != nil {
		return nil, err
	}
	for _, cp := range private {
		if cp.Data.ID != "" && !seen[cp.Data.ID] {
			seen[cp.Data.ID] = true
			ids = append(ids, cp.Data.ID)
		}
	}

	req, err := c.newGetRequest(ctx, "mychargers", nil)
	if err != nil {
		return nil, err
	}
	var res myChargersResult
	if err := c.doAuthed(req, &res); err != nil {
		return nil, err
	}
	for _, access := range res.ReceivingAccess {
		if access.ChargePoint.ID != "" && !seen[access.ChargePoint.ID] {
			seen[access.ChargePoint.ID] = true
			ids = append(ids, access.ChargePoint.ID)
		}
	}

	return ids, nil
}

// GetPrivateChargepoints returns the chargepoints the account owns.
func (c *Client) GetPrivateChargepoints(ctx context.Context) ([]types.PrivateChargepoint, error) {
	req, err := c.newGetRequest(ctx, "chargers/private", nil)
	if err != nil {
		return nil, err
	}

	var res []types.PrivateChargepoint
	if err := c.doAuthed(req, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// GetChargepoint fetches a single chargepoint by ID.
func (c *Client) GetChargepoint(ctx context.Context, chargepointID string) (types.Chargepoint, error) {
	req, err := c.newPostJSONRequest(ctx, "chargepoints/get", map[string]string{"token": chargepointID})
	if err != nil {
		return types.Chargepoint{}, err
	}

	var res types.Chargepoint
	if err := c.doAuthed(req, &res); err != nil {
		return types.Chargepoint{}, err
	}
	return res, nil
}

// GetOperationalData fetches live telemetry for a connector.
func (c *Client) GetOperationalData(ctx context.Context, connectorID string) (types.OperationalData, error) {
	req, err := c.newGetRequest(ctx, "connector/"+connectorID+"/operationaldata", nil)
	if err != nil {
		return types.OperationalData{}, err
	}

	var res types.OperationalData
	if err := c.doAuthed(req, &res); err != nil {
		return types.OperationalData{}, err
	}
	return res, nil
}

// GetLoadBalancer fetches the connector's load balancer pairing state.
func (c *Client) GetLoadBalancer(ctx context.Context, connectorID string) (types.LoadBalancer, error) {
	req, err := c.newGetRequest(ctx, "connector/"+connectorID+"/loadBalancer", nil)
	if err != nil {
		return types.LoadBalancer{}, err
	}

	var res types.LoadBalancer
	if err := c.doAuthed(req, &res); err != nil {
		return types.LoadBalancer{}, err
	}
	return res, nil
}

// GetNetworkConfiguration fetches how the connector reaches the backend.
func (c *Client) GetNetworkConfiguration(ctx context.Context, connectorID string) (types.NetworkConfiguration, error) {
	req, err := c.newGetRequest(ctx, "connector/"+connectorID+"/networkconfiguration", nil)
	if err != nil {
		return types.NetworkConfiguration{}, err
	}

	var res types.NetworkConfiguration
	if err := c.doAuthed(req, &res); err != nil {
		return types.NetworkConfiguration{}, err
	}
	return res, nil
}

// StartLiveConsumption asks the backend to push fresh meter values for a
// while. It has to be re-sent periodically during an active session.
func (c *Client) StartLiveConsumption(ctx context.Context, connectorID string) error {
	req, err := c.newPostRequest(ctx, "connector/"+connectorID+"/startliveconsumption", nil)
	if err != nil {
		return err
	}
	return c.doAuthed(req, nil)
}

// GetMaxCurrentAlternatives returns the selectable max currents mapped to
// their charging power.
func (c *Client) GetMaxCurrentAlternatives(ctx context.Context, connectorID string) (map[string]float64, error) {
	req, err := c.newGetRequest(ctx, "connector/"+connectorID+"/maxcurrent/alternatives", nil)
	if err != nil {
		return nil, err
	}

	var res map[string]float64
	if err := c.doAuthed(req, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// SetMaxCurrent sets the connector's max current in amps.
func (c *Client) SetMaxCurrent(ctx context.Context, connectorID string, current int) error {
	params := url.Values{}
	params.Set("current", strconv.Itoa(current))

	req, err := c.newPostRequest(ctx, "connector/"+connectorID+"/maxcurrent", params)
	if err != nil {
		return err
	}
	return c.doAuthed(req, nil)
}

// StartCharging starts a charging session on the connector with the given
// alias. The backend takes a few seconds to reflect the new state.
func (c *Client) StartCharging(ctx context.Context, connectorAlias string) error {
	req, err := c.newPostJSONRequest(ctx, "charging/start", map[string]string{"alias": connectorAlias})
	if err != nil {
		return err
	}
	return c.doAuthed(req, nil)
}

// StopCharging stops the charging session on the connector with the given
// alias.
func (c *Client) StopCharging(ctx context.Context, connectorAlias string) error {
	req, err := c.newPostJSONRequest(ctx, "charging/stop", map[string]string{"alias": connectorAlias})
	if err != nil {
		return err
	}
	return c.doAuthed(req, nil)
}

// ResetConnector restarts the connector hardware.
func (c *Client) ResetConnector(ctx context.Context, connectorID string, typ ResetType) error {
	params := url.Values{}
	params.Set("type", string(typ))

	req, err := c.newPostRequest(ctx, "connector/"+connectorID+"/reset", params)
	if err != nil {
		return err
	}
	return c.doAuthed(req, nil)
}

// GetEcoModeConfiguration fetches the connector's full eco mode document.
func (c *Client) GetEcoModeConfiguration(ctx context.Context, connectorID string) (types.EcoModeConfiguration, error) {
	req, err := c.newGetRequest(ctx, "connector/"+connectorID+"/ecomode/configuration", nil)
	if err != nil {
		return types.EcoModeConfiguration{}, err
	}

	var res types.EcoModeConfiguration
	if err := c.doAuthed(req, &res); err != nil {
		return types.EcoModeConfiguration{}, err
	}
	return res, nil
}

// SetEcoModeConfiguration replaces the connector's eco mode document. There
// is no partial update, the whole document is sent every time.
func (c *Client) SetEcoModeConfiguration(ctx context.Context, connectorID string, config types.EcoModeConfiguration) error {
	req, err := c.newPutJSONRequest(ctx, "connector/"+connectorID+"/ecomode/configuration", config)
	if err != nil {
		return err
	}
	return c.doAuthed(req, nil)
}

func (c *Client) newGetRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	u.RawQuery = params.Encode()
	return http.NewRequestWithContext(ctx, "GET", u.String(), nil)
}

func (c *Client) newPostRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	u.RawQuery = params.Encode()
	return http.NewRequestWithContext(ctx, "POST", u.String(), nil)
}

func (c *Client) newPostJSONRequest(ctx context.Context, endpoint string, data interface{}) (*http.Request, error) {
	return c.newJSONRequest(ctx, "POST", endpoint, data)
}

func (c *Client) newPutJSONRequest(ctx context.Context, endpoint string, data interface{}) (*http.Request, error) {
	return c.newJSONRequest(ctx, "PUT", endpoint, data)
}

func (c *Client) newJSONRequest(ctx context.Context, method, endpoint string, data interface{}) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doAuthed attaches the stored credentials before sending the request.
func (c *Client) doAuthed(req *http.Request, dest interface{}) error {
	c.mu.Lock()
	if !c.loggedIn {
		c.mu.Unlock()
		return &NotLoggedInError{}
	}
	req.Header.Set("x-authorization", c.token)
	req.Header.Set("x-user", c.userID)
	c.mu.Unlock()

	return c.do(req, dest)
}

func (c *Client) do(req *http.Request, dest interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}

	if dest == nil {
		log.Ctx(req.Context()).DebugContext(req.Context(), "cloudcharge request success (no destination)", slog.String("url", req.URL.String()))
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		log.Ctx(req.Context()).ErrorContext(req.Context(), "failed to decode cloudcharge response", slog.Any("error", err), slog.String("body", string(body)))
		return fmt.Errorf("failed to decode cloudcharge response: %w", err)
	}
	return nil
}

// checkResponse maps non-2xx statuses to the package's error types. 400 and
// 403 bodies carry a plain-text message that is classified into a reason.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &AuthError{}
	case http.StatusBadRequest:
		message := readErrorBody(resp)
		return &BadRequestError{Message: message, Reason: badRequestReason(message)}
	case http.StatusForbidden:
		message := readErrorBody(resp)
		return &ForbiddenError{Message: message, Reason: forbiddenReason(message)}
	}
	return &RequestError{StatusCode: resp.StatusCode, Message: readErrorBody(resp)}
}

func readErrorBody(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return ""
	}
	return string(body)
}

type myChargersResult struct {
	ReceivingAccess []struct {
		ChargePoint struct {
			ID string `json:"id"`
		} `json:"chargePoint"`
	} `json:"receivingAccess"`
}
