// Package portal uploads a feature collection to a content platform, asks
// the platform to publish it as a hosted feature service, and updates the
// item's descriptive metadata.
//
// Upload, publish and update are not idempotent and are sent exactly once.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"sdmxgeo/internal/datasource/httpds"
	pkgerrors "sdmxgeo/internal/errors"
	"sdmxgeo/internal/geojson"
)

const serviceName = "portal"

const (
	DefaultMaxRecordCount = 10000
	DefaultCapabilities   = "Query"
)

// Client talks to the user content endpoint of one user.
type Client struct {
	UserContentURL string
	Token          string
	MaxRecordCount int
	Capabilities   string
	HTTP           *httpds.Client
}

func (c *Client) httpc() *httpds.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return httpds.New(httpds.Config{Service: serviceName})
}

func (c *Client) endpoint(parts ...string) string {
	base := strings.TrimRight(strings.TrimSpace(c.UserContentURL), "/")
	for _, p := range parts {
		base += "/" + url.PathEscape(p)
	}
	return base
}

// apiError is the error object the platform returns in-band.
type apiError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func (e *apiError) remote(op string) error {
	msg := e.Message
	if len(e.Details) > 0 {
		msg = strings.TrimSpace(msg + " (" + strings.Join(e.Details, "; ") + ")")
	}
	if msg == "" {
		msg = "platform returned an error"
	}
	return &pkgerrors.RemoteServiceError{
		Service:    serviceName,
		Op:         op,
		StatusCode: e.Code,
		Msg:        msg,
		Retryable:  e.Code == http.StatusTooManyRequests || e.Code >= 500,
	}
}

func decode(op string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return &pkgerrors.RemoteServiceError{Service: serviceName, Op: op, Msg: "response is not JSON", Err: err}
	}
	return nil
}

func (c *Client) validate() error {
	if strings.TrimSpace(c.UserContentURL) == "" {
		return pkgerrors.Validation("publish.user_content_url", "required")
	}
	return nil
}

// AddItem uploads fc as a GeoJson item named title and returns the item id.
func (c *Client) AddItem(ctx context.Context, title string, fc *geojson.FeatureCollection) (string, error) {
	if err := c.validate(); err != nil {
		return "", err
	}
	if fc == nil {
		return "", pkgerrors.Validation("collection", "nothing to upload")
	}

	var file bytes.Buffer
	if err := geojson.Encode(&file, fc); err != nil {
		return "", fmt.Errorf("portal.addItem: encode: %w", err)
	}

	fields := [][2]string{{"title", title}, {"type", "GeoJson"}, {"f", "json"}}
	if c.Token != "" {
		fields = append(fields, [2]string{"token", c.Token})
	}

	resp, err := c.httpc().Do(ctx, "addItem", func(ctx context.Context) (*http.Request, error) {
		body, contentType, err := multipartBody(fields, title+".geojson", file.Bytes())
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("addItem"), body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	}, false)
	if err != nil {
		return "", err
	}

	var out struct {
		ID      string    `json:"id"`
		Success bool      `json:"success"`
		Error   *apiError `json:"error"`
	}
	if err := decode("addItem", resp.Body, &out); err != nil {
		return "", err
	}
	if out.Error != nil {
		return "", out.Error.remote("addItem")
	}
	if out.ID == "" {
		return "", &pkgerrors.RemoteServiceError{Service: serviceName, Op: "addItem", Msg: "no item id in response"}
	}
	return out.ID, nil
}

func multipartBody(fields [][2]string, filename string, file []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", "application/json")
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(file); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// PublishParameters is the publishParameters form value.
type PublishParameters struct {
	HasStaticData  bool      `json:"hasStaticData"`
	Name           string    `json:"name"`
	MaxRecordCount int       `json:"maxRecordCount"`
	LayerInfo      LayerInfo `json:"layerInfo"`
}

type LayerInfo struct {
	Capabilities string `json:"capabilities"`
}

// Published identifies the hosted service created by Publish.
type Published struct {
	ServiceItemID string `json:"serviceItemId"`
	ServiceURL    string `json:"serviceUrl,omitempty"`
}

type publishedService struct {
	ServiceItemID string    `json:"serviceItemId"`
	ServiceURL    string    `json:"serviceurl"`
	Success       *bool     `json:"success"`
	Error         *apiError `json:"error"`
}

// Publish publishes itemID as a hosted feature service named title.
//
// A refused publish is a *errors.ConflictError when the platform reports a
// name collision or gives no reason, and a RemoteServiceError otherwise.
func (c *Client) Publish(ctx context.Context, itemID, title string) (Published, error) {
	if err := c.validate(); err != nil {
		return Published{}, err
	}
	if strings.TrimSpace(itemID) == "" {
		return Published{}, pkgerrors.Validation("itemId", "required")
	}

	params := PublishParameters{
		HasStaticData:  true,
		Name:           title,
		MaxRecordCount: c.MaxRecordCount,
		LayerInfo:      LayerInfo{Capabilities: c.Capabilities},
	}
	if params.MaxRecordCount <= 0 {
		params.MaxRecordCount = DefaultMaxRecordCount
	}
	if params.LayerInfo.Capabilities == "" {
		params.LayerInfo.Capabilities = DefaultCapabilities
	}
	pp, err := json.Marshal(params)
	if err != nil {
		return Published{}, fmt.Errorf("portal.publish: encode parameters: %w", err)
	}

	form := url.Values{
		"itemId":            {itemID},
		"filetype":          {"geojson"},
		"f":                 {"json"},
		"overwrite":         {"false"},
		"publishParameters": {string(pp)},
	}
	if c.Token != "" {
		form.Set("token", c.Token)
	}

	resp, err := c.httpc().PostForm(ctx, "publish", c.endpoint("publish"), form, false)
	if err != nil {
		return Published{}, err
	}

	var out struct {
		Services []publishedService `json:"services"`
		Error    *apiError          `json:"error"`
	}
	if err := decode("publish", resp.Body, &out); err != nil {
		return Published{}, err
	}
	if out.Error != nil {
		return Published{}, out.Error.remote("publish")
	}
	if len(out.Services) == 0 {
		return Published{}, &pkgerrors.RemoteServiceError{Service: serviceName, Op: "publish", Msg: "no serviceItemId in response"}
	}

	svc := out.Services[0]
	if svc.Success != nil && !*svc.Success {
		return Published{}, refused(title, svc.Error)
	}
	if svc.Error != nil {
		return Published{}, refused(title, svc.Error)
	}
	if svc.ServiceItemID == "" {
		return Published{}, &pkgerrors.RemoteServiceError{Service: serviceName, Op: "publish", Msg: "no serviceItemId in response"}
	}
	return Published{ServiceItemID: svc.ServiceItemID, ServiceURL: svc.ServiceURL}, nil
}

func refused(title string, e *apiError) error {
	if e == nil || isNameCollision(e) {
		msg := "a service with that name may already exist"
		if e != nil && e.Message != "" {
			msg = e.Message
		}
		return &pkgerrors.ConflictError{Title: title, Msg: msg}
	}
	return e.remote("publish")
}

func isNameCollision(e *apiError) bool {
	if e.Code == http.StatusConflict {
		return true
	}
	m := strings.ToLower(e.Message)
	if m == "" {
		return true
	}
	return strings.Contains(m, "already exist") || strings.Contains(m, "already in use") || strings.Contains(m, "name not available")
}

// ItemUpdate carries the descriptive fields written by UpdateItem. Empty
// fields are not sent.
type ItemUpdate struct {
	Tags        []string
	Description string
	Snippet     string
}

// UpdateItem writes tags, description and snippet to itemID.
func (c *Client) UpdateItem(ctx context.Context, itemID string, upd ItemUpdate) error {
	if err := c.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(itemID) == "" {
		return pkgerrors.Validation("itemId", "required")
	}

	form := url.Values{"f": {"json"}}
	if len(upd.Tags) > 0 {
		form.Set("tags", strings.Join(upd.Tags, ","))
	}
	if upd.Description != "" {
		form.Set("description", upd.Description)
	}
	if upd.Snippet != "" {
		form.Set("snippet", upd.Snippet)
	}
	if c.Token != "" {
		form.Set("token", c.Token)
	}

	resp, err := c.httpc().PostForm(ctx, "update", c.endpoint("items", itemID, "update"), form, false)
	if err != nil {
		return err
	}

	var out struct {
		Success *bool     `json:"success"`
		Error   *apiError `json:"error"`
	}
	if err := decode("update", resp.Body, &out); err != nil {
		return err
	}
	if out.Error != nil {
		return out.Error.remote("update")
	}
	if out.Success != nil && !*out.Success {
		return &pkgerrors.RemoteServiceError{Service: serviceName, Op: "update", Msg: "update of item " + strconv.Quote(itemID) + " was not accepted"}
	}
	return nil
}
