// Package featureservice queries a hosted feature layer for the geometries
// the join attaches to SDMX features.
package featureservice

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"sdmxgeo/internal/datasource/httpds"
	pkgerrors "sdmxgeo/internal/errors"
	"sdmxgeo/internal/geojson"
	"sdmxgeo/internal/join"
)

const serviceName = "featureservice"

// OutSR is the spatial reference requested for returned geometries.
const OutSR = "4326"

// Client queries {ServiceURL}/query.
type Client struct {
	ServiceURL string
	Token      string
	HTTP       *httpds.Client
}

func New(serviceURL, token string, http *httpds.Client) *Client {
	return &Client{ServiceURL: serviceURL, Token: token, HTTP: http}
}

var _ join.Fetcher = (*Client)(nil)

// Query returns the features matching where. outField restricts the
// returned attributes to the join field; empty asks for all of them.
//
// Queries are read-only and are retried on transient failures. An error
// object in the body is a failure even under HTTP 200.
func (c *Client) Query(ctx context.Context, where, outField string) (*geojson.FeatureCollection, error) {
	if strings.TrimSpace(c.ServiceURL) == "" {
		return nil, pkgerrors.Validation("join.service_url", "required")
	}
	httpc := c.HTTP
	if httpc == nil {
		httpc = httpds.New(httpds.Config{Service: serviceName})
	}

	outFields := strings.TrimSpace(outField)
	if outFields == "" {
		outFields = "*"
	}
	form := url.Values{
		"where":     {where},
		"outFields": {outFields},
		"outSR":     {OutSR},
		"f":         {"geojson"},
	}
	if c.Token != "" {
		form.Set("token", c.Token)
	}

	resp, err := httpc.PostForm(ctx, "query", QueryURL(c.ServiceURL), form, true)
	if err != nil {
		return nil, err
	}
	return decodeQuery(resp.Body)
}

// QueryURL appends /query to a layer URL, tolerating a trailing slash or an
// URL that already ends in /query.
func QueryURL(serviceURL string) string {
	u := strings.TrimRight(strings.TrimSpace(serviceURL), "/")
	if strings.HasSuffix(u, "/query") {
		return u
	}
	return u + "/query"
}

// ServiceError is the error object a feature service returns in-band.
type ServiceError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// RemoteError converts an in-band error object to a RemoteServiceError.
func RemoteError(service, op string, se *ServiceError) error {
	msg := se.Message
	if len(se.Details) > 0 {
		msg = strings.TrimSpace(msg + " (" + strings.Join(se.Details, "; ") + ")")
	}
	if msg == "" {
		msg = "service returned an error"
	}
	return &pkgerrors.RemoteServiceError{
		Service:    service,
		Op:         op,
		StatusCode: se.Code,
		Msg:        msg,
		Retryable:  se.Code == 429 || se.Code >= 500,
	}
}

func decodeQuery(body []byte) (*geojson.FeatureCollection, error) {
	var envelope struct {
		Error *ServiceError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &pkgerrors.RemoteServiceError{Service: serviceName, Op: "query", Msg: "response is not JSON", Err: err}
	}
	if envelope.Error != nil {
		return nil, RemoteError(serviceName, "query", envelope.Error)
	}

	fc, err := geojson.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, &pkgerrors.RemoteServiceError{Service: serviceName, Op: "query", Msg: "bad geojson", Err: err}
	}
	return fc, nil
}
