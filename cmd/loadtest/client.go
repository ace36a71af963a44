package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// kindCheckoutFailed: kind ответа API, когда остатка не хватило.
const kindCheckoutFailed = "checkout_failed"

// apiError это ответ вне 2xx. Body хранится целиком: сверка остатка присылает отчёт вместе с 500.
type apiError struct {
	Status  int
	Kind    string
	Message string
	Body    []byte
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d (%s): %s", e.Status, e.Kind, e.Message)
}

func decodeAPIError(status int, raw []byte) *apiError {
	e := &apiError{Status: status, Message: strings.TrimSpace(string(raw)), Body: raw}
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if json.Unmarshal(raw, &body) == nil {
		e.Kind = body.Kind
		if body.Error != "" {
			e.Message = body.Error
		}
	}
	return e
}

// apiClient ходит в HTTP API маркетплейса и учитывает каждый вызов в collector.
type apiClient struct {
	base    string
	http    *http.Client
	timeout time.Duration
	col     *collector
}

func newHTTPClient(connections int) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = connections
	transport.MaxIdleConnsPerHost = connections
	return &http.Client{Transport: transport}
}

// call выполняет запрос и учитывает его под именем method. status=0 означает сбой транспорта.
func (a *apiClient) call(ctx context.Context, method, verb, path string, in, out any) (int, error) {
	started := time.Now()
	status, err := a.roundTrip(ctx, verb, path, in, out)
	a.col.record(method, time.Since(started), statusCode(status), err == nil)
	return status, err
}

func (a *apiClient) roundTrip(ctx context.Context, verb, path string, in, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, verb, a.base+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	switch {
	case err != nil:
		return resp.StatusCode, fmt.Errorf("read %s response: %w", path, err)
	case resp.StatusCode/100 != 2:
		return resp.StatusCode, fmt.Errorf("%s %s: %w", verb, path, decodeAPIError(resp.StatusCode, raw))
	case out == nil:
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
	}
	return resp.StatusCode, nil
}

func (a *apiClient) registerVariant(ctx context.Context, name, price string, stock int) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	if _, err := a.call(ctx, "RegisterVariant", http.MethodPost, "/api/v1/variants", map[string]any{
		"product_id":    "load-product",
		"name":          name,
		"price":         price,
		"initial_stock": stock,
	}, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errors.New("variant registered without id")
	}
	return created.ID, nil
}

// stockReport: сверка остатка варианта после прогона.
type stockReport struct {
	VariantID    string `json:"variant_id"`
	InitialStock int    `json:"initial_stock,omitempty"`
	UnitsSold    int64  `json:"units_sold"`
	Materialized int    `json:"materialized"`
	LedgerSum    int    `json:"ledger_sum"`
	Consistent   bool   `json:"consistent"`
	Oversold     bool   `json:"oversold"`
}

// verifyStock читает сверку журнала. Расхождение API отдаёт как 500 с отчётом в теле;
// такой ответ считается результатом сверки.
func (a *apiClient) verifyStock(ctx context.Context, variantID string) (stockReport, error) {
	var stock stockReport
	_, err := a.call(ctx, "VerifyStock", http.MethodGet, "/api/v1/variants/"+url.PathEscape(variantID)+"/stock/verify", nil, &stock)
	if err == nil {
		return stock, nil
	}

	var apiErr *apiError
	if errors.As(err, &apiErr) && json.Unmarshal(apiErr.Body, &stock) == nil && stock.VariantID != "" {
		stock.Consistent = false
		return stock, nil
	}
	return stockReport{}, err
}

func statusCode(status int) string {
	if status == 0 {
		return transportFailure
	}
	return strconv.Itoa(status)
}
