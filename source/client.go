package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"gaugewatch/record"
)

const (
	DefaultLoginPath = "/user/login.htm"
	DefaultQueryPath = "/user/querySensorHisDataLine.htm"
)

// Credentials identify the account used to log in to the service.
type Credentials struct {
	Account       string
	Password      string
	CompanyUserID string
}

// Client implements Source against the sensor cloud's form-based HTTP API.
// Login stores a session cookie in the client's jar; history queries reuse it.
type Client struct {
	BaseURL   string       // e.g. "http://tc.tastek.cn"
	LoginPath string       // defaults to DefaultLoginPath
	QueryPath string       // defaults to DefaultQueryPath
	Creds     Credentials
	HTTP      *http.Client // injected for testability, must carry a cookie jar
	Log       *zap.Logger
	UserAgent string
}

// NewClient returns a ready-to-use client with its own cookie jar.
func NewClient(baseURL string, creds Credentials, timeout time.Duration, log *zap.Logger) *Client {
	jar, _ := cookiejar.New(nil) // cookiejar.New never fails without options
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		LoginPath: DefaultLoginPath,
		QueryPath: DefaultQueryPath,
		Creds:     creds,
		HTTP:      &http.Client{Timeout: timeout, Jar: jar},
		Log:       log,
		UserAgent: "gaugewatch/0.1",
	}
}

// historyResponse is the subset of the history query body we use.
type historyResponse struct {
	TimeList []string `json:"timeList"`
	DataList []sample `json:"dataList"`
}

// sample accepts a value encoded either as a JSON number or a numeric string.
type sample float64

func (v *sample) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("sample %s is not a number", b)
	}
	*v = sample(f)
	return nil
}

// Authenticate implements the Source interface.
func (c *Client) Authenticate(ctx context.Context) error {
	form := url.Values{
		"loginAccount":  {c.Creds.Account},
		"loginPassword": {c.Creds.Password},
		"companyUserId": {c.Creds.CompanyUserID},
	}
	resp, err := c.post(ctx, c.LoginPath, form)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: login returned %d", ErrAuthentication, resp.StatusCode)
	}
	c.Log.Info("authenticated with sensor cloud", zap.String("account", c.Creds.Account))
	return nil
}

// Fetch implements the Source interface.
func (c *Client) Fetch(ctx context.Context, sensorID string, start, end time.Time) (*Series, error) {
	form := url.Values{
		"sensorId":  {sensorID},
		"startDate": {record.FormatTime(start)},
		"endDate":   {record.FormatTime(end)},
	}
	resp, err := c.post(ctx, c.QueryPath, form)
	if err != nil {
		return nil, &FetchError{SensorID: sensorID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &FetchError{SensorID: sensorID, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(b)))}
	}

	var body historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &FetchError{SensorID: sensorID, Status: resp.StatusCode, Err: fmt.Errorf("decode history: %w", err)}
	}

	series := &Series{Times: body.TimeList, Values: make([]float64, len(body.DataList))}
	for i, v := range body.DataList {
		series.Values[i] = float64(v)
	}
	c.Log.Debug("fetched sensor history",
		zap.String("sensor_id", sensorID),
		zap.Int("samples", len(series.Times)))
	return series, nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	return c.HTTP.Do(req)
}
