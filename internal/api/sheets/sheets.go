// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package sheets provides a minimal client for the Google Sheets API.
//
// It covers only the spreadsheets.values endpoints this repository needs:
// reading a range of cells and appending rows.
//
// See https://developers.google.com/sheets/api/reference/rest.
package sheets

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.astrophena.name/tglookup/internal/api/google/serviceaccount"
	"go.astrophena.name/tglookup/internal/request"
	"go.astrophena.name/tglookup/internal/util/syncx"
)

const sheetsAPI = "https://sheets.googleapis.com/v4/spreadsheets/"

// Scope is the OAuth scope used for all Sheets requests.
const Scope = "https://www.googleapis.com/auth/spreadsheets"

// Client represents a Google Sheets API client authenticated with a service
// account key.
type Client struct {
	// Key is the service account key used to obtain access tokens.
	Key *serviceaccount.Key
	// HTTPClient is an optional custom HTTP client object to use for requests.
	// If not provided, request.DefaultClient will be used.
	HTTPClient *http.Client
	// Scrubber is an optional strings.Replacer that scrubs unwanted data from
	// error messages.
	Scrubber *strings.Replacer

	token syncx.Protected[accessToken]
}

type accessToken struct {
	value   string
	expires time.Time
}

// Access tokens are valid for an hour, renew them a bit earlier.
const tokenLifetime = 55 * time.Minute

func (c *Client) accessToken(ctx context.Context) (string, error) {
	var cached string
	now := time.Now()
	c.token.RAccess(func(t accessToken) {
		if now.Before(t.expires) {
			cached = t.value
		}
	})
	if cached != "" {
		return cached, nil
	}

	tok, err := c.Key.AccessToken(ctx, c.HTTPClient, Scope)
	if err != nil {
		return "", err
	}
	c.token.Set(accessToken{value: tok, expires: now.Add(tokenLifetime)})
	return tok, nil
}

// ValueRange represents a range of values in a spreadsheet.
//
// See https://developers.google.com/sheets/api/reference/rest/v4/spreadsheets.values#ValueRange.
type ValueRange struct {
	Range          string     `json:"range,omitempty"`
	MajorDimension string     `json:"majorDimension,omitempty"`
	Values         [][]string `json:"values,omitempty"`
}

// Values returns the cell values in the given A1 notation range of the
// spreadsheet.
func (c *Client) Values(ctx context.Context, spreadsheetID, a1Range string) ([][]string, error) {
	tok, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := request.Make[ValueRange](ctx, request.Params{
		Method: http.MethodGet,
		URL:    sheetsAPI + spreadsheetID + "/values/" + url.PathEscape(a1Range),
		Headers: map[string]string{
			"Authorization": "Bearer " + tok,
			"User-Agent":    request.UserAgent(),
		},
		HTTPClient: c.HTTPClient,
		Scrubber:   c.Scrubber,
	})
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// Append appends rows after the last row with data in the given A1 notation
// range of the spreadsheet.
//
// See https://developers.google.com/sheets/api/reference/rest/v4/spreadsheets.values/append.
func (c *Client) Append(ctx context.Context, spreadsheetID, a1Range string, values [][]string) error {
	tok, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	_, err = request.Make[request.IgnoreResponse](ctx, request.Params{
		Method: http.MethodPost,
		// https://developers.google.com/sheets/api/reference/rest/v4/ValueInputOption
		URL: sheetsAPI + spreadsheetID + "/values/" + url.PathEscape(a1Range) + ":append?valueInputOption=RAW&insertDataOption=INSERT_ROWS",
		Body: ValueRange{
			Range:          a1Range,
			MajorDimension: "ROWS",
			Values:         values,
		},
		Headers: map[string]string{
			"Authorization": "Bearer " + tok,
			"User-Agent":    request.UserAgent(),
		},
		HTTPClient: c.HTTPClient,
		Scrubber:   c.Scrubber,
	})
	return err
}
