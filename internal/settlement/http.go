package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/ledgerd/internal/ir"
)

// HTTPSettler posts batch commitments to {Endpoint}/batches.
type HTTPSettler struct {
	Endpoint string
	HTTP     *http.Client
}

// NewHTTPSettler creates a settler for endpoint with a per-request timeout.
func NewHTTPSettler(endpoint string, timeout time.Duration) *HTTPSettler {
	return &HTTPSettler{
		Endpoint: strings.TrimRight(endpoint, "/"),
		HTTP:     &http.Client{Timeout: timeout},
	}
}

type commitment struct {
	Number uint64   `json:"number"`
	Digest string   `json:"digest"`
	TxIDs  []string `json:"tx_ids"`
}

// Submit implements Settler.
func (s *HTTPSettler) Submit(ctx context.Context, b ir.Batch) error {
	body, err := json.Marshal(commitment{Number: b.Number, Digest: b.Digest, TxIDs: b.TxIDs()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint+"/batches", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", b.Digest)

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("settlement endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// HTTPSource long-polls {Endpoint}/events?after=N for oracle events.
type HTTPSource struct {
	Endpoint string
	// Wait is the long-poll duration requested from the server.
	Wait time.Duration
	HTTP *http.Client
}

// NewHTTPSource creates a source for endpoint.
func NewHTTPSource(endpoint string, wait time.Duration) *HTTPSource {
	return &HTTPSource{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Wait:     wait,
		HTTP:     &http.Client{Timeout: wait + 10*time.Second},
	}
}

// Subscribe implements Source. It polls until ctx is done or a request
// fails.
func (s *HTTPSource) Subscribe(ctx context.Context, after uint64, handle func(ir.SettlementEvent) error) error {
	for {
		events, err := s.poll(ctx, after)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.Position <= after {
				continue
			}
			if err := handle(ev); err != nil {
				return err
			}
			after = ev.Position
		}
	}
}

func (s *HTTPSource) poll(ctx context.Context, after uint64) ([]ir.SettlementEvent, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatUint(after, 10))
	if s.Wait > 0 {
		q.Set("wait", s.Wait.String())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Endpoint+"/events?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("oracle returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var events []ir.SettlementEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("decode oracle events: %w", err)
	}
	return events, nil
}
