package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/margonote/margo/margo_errors"
)

var RoundTripDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "margo",
	Subsystem: "ledger",
	Name:      "round_trip_seconds",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
}, []string{"op"})

var RoundTripErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "margo",
	Subsystem: "ledger",
	Name:      "round_trip_errors",
}, []string{"op", "kind"})

const DefaultTimeout = 15 * time.Second

// Remote talks to the hosted tabular store through its row/column bridge
// API. Every method is one bounded round trip; a timed-out write has
// unknown outcome and is safe to retry because all mutations here are
// idempotent re-stamps of the same cells.
type Remote struct {
	base   string
	client *http.Client
}

var _ Table = (*Remote)(nil)

func NewRemote(base string, timeout time.Duration) (*Remote, error) {
	if _, err := url.Parse(base); err != nil || base == "" {
		return nil, fmt.Errorf("ledger: bad endpoint %q", base)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Remote{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}, nil
}

type tableDoc struct {
	Header []string   `json:"header"`
	Rows   [][]string `json:"rows"`
}

func (r *Remote) fetch(ctx context.Context) (tableDoc, error) {
	var doc tableDoc
	err := r.call(ctx, "fetch", http.MethodGet, "/table", nil, &doc)
	return doc, err
}

func (r *Remote) Header(ctx context.Context) ([]string, error) {
	doc, err := r.fetch(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Header, nil
}

func (r *Remote) SetHeader(ctx context.Context, columns []string) error {
	return r.call(ctx, "set_header", http.MethodPut, "/header",
		map[string]any{"columns": columns}, nil)
}

func (r *Remote) Rows(ctx context.Context) ([]Row, error) {
	doc, err := r.fetch(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(doc.Rows))
	for i, vals := range doc.Rows {
		cells := make(map[string]string, len(doc.Header))
		for c, col := range doc.Header {
			if c < len(vals) {
				cells[col] = vals[c]
			} else {
				cells[col] = ""
			}
		}
		rows = append(rows, Row{Num: i + 2, Cells: cells})
	}
	return rows, nil
}

func (r *Remote) Find(ctx context.Context, column, value string) (Row, bool, error) {
	rows, err := r.Rows(ctx)
	if err != nil {
		return Row{}, false, err
	}
	for _, row := range rows {
		if row.Cell(column) == value {
			return row, true, nil
		}
	}
	return Row{}, false, nil
}

func (r *Remote) Append(ctx context.Context, cells map[string]string) error {
	return r.call(ctx, "append", http.MethodPost, "/rows",
		map[string]any{"cells": cells}, nil)
}

func (r *Remote) Update(ctx context.Context, num int, cells map[string]string) error {
	return r.call(ctx, "update", http.MethodPost, "/update",
		map[string]any{"row": num, "cells": cells}, nil)
}

func (r *Remote) Delete(ctx context.Context, num int) error {
	return r.call(ctx, "delete", http.MethodPost, "/delete",
		map[string]any{"row": num}, nil)
}

func (r *Remote) call(ctx context.Context, op, method, path string, body, out any) error {
	start := time.Now()
	err := r.doCall(ctx, method, path, body, out)
	RoundTripDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := "request"
		if errors.Is(err, margo_errors.ErrLedgerTransient) {
			kind = "transient"
		}
		RoundTripErrors.WithLabelValues(op, kind).Inc()
	}
	return err
}

func (r *Remote) doCall(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "ledger: encode request")
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, reader)
	if err != nil {
		return errors.Wrap(err, "ledger: build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		// Network failures and timeouts are unknown-outcome; callers retry.
		return errors.Wrap(margo_errors.ErrLedgerTransient, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return errors.Wrapf(margo_errors.ErrLedgerTransient, "ledger: %s %s: %s", method, path, resp.Status)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ledger: %s %s: %s", method, path, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "ledger: decode response")
		}
	}
	return nil
}
