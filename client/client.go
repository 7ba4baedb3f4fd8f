// Package client submits encrypted meter readings to an Edge and waits for
// the certified billing result.
package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"PrivateBilling/internal/api"
	"PrivateBilling/internal/fhe"
	"PrivateBilling/internal/identity"
	"PrivateBilling/internal/session"
)

// defaultPollInterval is the delay between result queries in Wait.
const defaultPollInterval = 200 * time.Millisecond

// ErrAborted is returned by Wait for sessions that aborted.
var ErrAborted = errors.New("session aborted")

// Client talks to one Edge over HTTP and encrypts under the cluster key.
type Client struct {
	baseURL      string          // baseURL is the Edge API root, e.g. "http://127.0.0.1:8080"
	http         *http.Client    // http is the underlying HTTP client
	engine       *fhe.Engine     // engine encrypts under the cluster's public key
	cluster      api.ClusterInfo // cluster describes the Cores and threshold
	keys         [][]byte        // keys holds the Cores' attestation keys by index
	pollInterval time.Duration   // pollInterval paces Wait
}

// Reading is one party's plaintext contribution.
type Reading struct {
	Slot   string   // Slot names the party or time bucket
	Values []uint64 // Values holds one value per slot of the result vector
}

// Outcome is the terminal state of a session as seen by the client.
type Outcome struct {
	SessionID   string                // SessionID is the session
	State       session.State         // State is completed or aborted
	Values      []uint64              // Values is the aggregate, nil when aborted
	Used        []int                 // Used lists the Cores whose shares were combined
	Certificate *identity.Certificate // Certificate proves the Cores attested the aggregate
	Reason      session.AbortReason   // Reason explains an abort
	Retryable   bool                  // Retryable reports whether resubmitting may succeed
}

// New connects to the Edge at edgeURL and fetches the cluster key.
func New(ctx context.Context, edgeURL string) (*Client, error) {
	if !strings.Contains(edgeURL, "://") {
		edgeURL = "http://" + edgeURL
	}

	if _, err := url.Parse(edgeURL); err != nil {
		return nil, fmt.Errorf("edge url:\n%w", err)
	}

	c := &Client{
		baseURL:      strings.TrimSuffix(edgeURL, "/"),
		http:         &http.Client{Timeout: 60 * time.Second},
		pollInterval: defaultPollInterval,
	}

	if err := c.httpGet(ctx, "/cluster", &c.cluster); err != nil {
		return nil, fmt.Errorf("get cluster:\n%w", err)
	}

	keys, err := c.cluster.Keys()
	if err != nil {
		return nil, err
	}
	c.keys = keys

	pkData, header, err := c.httpGetRaw(ctx, "/publickey")
	if err != nil {
		return nil, fmt.Errorf("get public key:\n%w", err)
	}

	params, err := fhe.NewParameters(header.Get(api.ParametersHeader))
	if err != nil {
		return nil, err
	}

	pk, err := fhe.UnmarshalPublicKey(params, pkData)
	if err != nil {
		return nil, fmt.Errorf("public key:\n%w", err)
	}

	if c.engine, err = fhe.NewEngine(params, pk, c.cluster.Cores); err != nil {
		return nil, err
	}

	return c, nil
}

// SetPollInterval changes how often Wait queries the Edge.
func (c *Client) SetPollInterval(d time.Duration) {
	c.pollInterval = d
}

// Threshold returns the number of Cores that must attest a result.
func (c *Client) Threshold() int {
	return c.cluster.Threshold
}

// Encrypt encrypts one reading vector under the cluster key.
func (c *Client) Encrypt(values []uint64) ([]byte, error) {
	ct, err := c.engine.Encrypt(values)
	if err != nil {
		return nil, err
	}

	return ct.MarshalBinary()
}

// EncryptAll encrypts readings in parallel, keeping their order.
func (c *Client) EncryptAll(ctx context.Context, readings []Reading) ([]api.CiphertextJSON, error) {
	out := make([]api.CiphertextJSON, len(readings))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i := range readings {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			data, err := c.Encrypt(readings[i].Values)
			if err != nil {
				return fmt.Errorf("encrypt %q:\n%w", readings[i].Slot, err)
			}

			out[i] = api.CiphertextJSON{Slot: readings[i].Slot, Data: data}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// Submit sends an already encrypted batch and returns the session id.
func (c *Client) Submit(ctx context.Context, req api.SubmitRequest) (string, error) {
	var resp api.SubmitResponse
	if err := c.httpPostJSON(ctx, "/sessions", req, &resp); err != nil {
		return "", err
	}

	return resp.SessionID, nil
}

// SubmitSum encrypts readings and opens a sum session over them. An empty
// sessionID lets the Edge assign one.
func (c *Client) SubmitSum(ctx context.Context, sessionID string, readings []Reading) (string, error) {
	return c.submitEncrypted(ctx, sessionID, api.DescriptorJSON{Function: string(fhe.FunctionSum)}, readings)
}

// SubmitWeightedSum encrypts readings and opens a weighted sum session.
func (c *Client) SubmitWeightedSum(ctx context.Context, sessionID string, weights []uint64, readings []Reading) (string, error) {
	return c.submitEncrypted(ctx, sessionID, api.DescriptorJSON{Function: string(fhe.FunctionWeightedSum), Weights: weights}, readings)
}

func (c *Client) submitEncrypted(ctx context.Context, sessionID string, desc api.DescriptorJSON, readings []Reading) (string, error) {
	cts, err := c.EncryptAll(ctx, readings)
	if err != nil {
		return "", err
	}

	for _, r := range readings {
		desc.Width = max(desc.Width, len(r.Values))
	}

	return c.Submit(ctx, api.SubmitRequest{SessionID: sessionID, Descriptor: desc, Ciphertexts: cts})
}

// SubmitReading encrypts one participant's reading for a billing cycle.
func (c *Client) SubmitReading(ctx context.Context, cycleID, slot string, values []uint64) (session.CycleProgress, error) {
	data, err := c.Encrypt(values)
	if err != nil {
		return session.CycleProgress{}, err
	}

	var p session.CycleProgress
	err = c.httpPostJSON(ctx, "/cycles/"+url.PathEscape(cycleID)+"/readings", api.ReadingRequest{Slot: slot, Data: data}, &p)

	return p, err
}

// Query returns the current view of a session.
func (c *Client) Query(ctx context.Context, sessionID string) (*api.SessionResponse, error) {
	var resp api.SessionResponse
	if err := c.httpGet(ctx, "/sessions/"+url.PathEscape(sessionID), &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Wait polls until the session is terminal. A completed session's
// certificate is verified against the cluster's attestation keys; an
// aborted session returns its outcome with ErrAborted.
func (c *Client) Wait(ctx context.Context, sessionID string) (*Outcome, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		resp, err := c.Query(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		state, err := session.ParseState(resp.State)
		if err != nil {
			return nil, err
		}

		if state.Terminal() {
			return c.outcome(sessionID, state, resp)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// outcome converts a terminal response and verifies its certificate.
func (c *Client) outcome(sessionID string, state session.State, resp *api.SessionResponse) (*Outcome, error) {
	o := &Outcome{
		SessionID: sessionID,
		State:     state,
		Values:    resp.Result,
		Used:      resp.Used,
		Reason:    session.AbortReason(resp.Reason),
		Retryable: resp.Retryable,
	}

	if state == session.StateAborted {
		return o, fmt.Errorf("%w: %s (retryable=%t)", ErrAborted, resp.Reason, resp.Retryable)
	}

	if resp.Certificate == nil {
		return nil, fmt.Errorf("session %s completed without certificate", sessionID)
	}

	cert, err := resp.Certificate.Certificate()
	if err != nil {
		return nil, err
	}

	if cert.SessionID != sessionID || hex.EncodeToString(cert.Digest[:]) != resp.Digest {
		return nil, fmt.Errorf("certificate is for %s, not session %s", cert, sessionID)
	}

	if err := cert.Verify(c.keys, c.cluster.Threshold); err != nil {
		return nil, fmt.Errorf("certificate:\n%w", err)
	}

	o.Certificate = cert

	return o, nil
}
