package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"keeper_market/pkg/data"
	"keeper_market/pkg/keeper"
	"keeper_market/pkg/settlement"
)

// Mode selects how proxied calls reach the upstream.
type Mode string

const (
	// ModeDirect forwards the call from this process.
	ModeDirect Mode = "direct"
	// ModeKeeper dispatches the call through a selected keeper node.
	ModeKeeper Mode = "keeper"
)

// Request is one buyer call entering the proxy.
type Request struct {
	AccessKey string
	Method    string
	Path      string
	RawQuery  string
	Header    http.Header
	Body      []byte
}

// Response is the proxied upstream answer plus accounting metadata.
type Response struct {
	StatusCode    int
	Header        http.Header
	Body          []byte
	Used          int64
	Total         int64
	Remaining     int64
	UsageID       string
	KeeperAddress string
	LatencyMs     int64
}

// UpstreamCall is a fully prepared outbound request, credential
// already injected.
type UpstreamCall struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// UpstreamResult is the raw upstream answer.
type UpstreamResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// KeeperDispatcher executes an upstream call through a keeper node.
type KeeperDispatcher interface {
	Dispatch(ctx context.Context, node *data.KeeperNode, call *UpstreamCall) (*UpstreamResult, error)
}

// SettlementQueue receives usage events for async settlement.
type SettlementQueue interface {
	Enqueue(job settlement.Job) bool
}

// Options configure the proxy.
type Options struct {
	Mode            Mode
	UpstreamTimeout time.Duration
	MaxBodyBytes    int64
}

// Proxy is the metered pass-through between buyers and seller APIs.
// Every attempt that reaches the dispatch step consumes one quota unit,
// whether or not the upstream answered successfully.
type Proxy struct {
	repo      data.Repository
	box       Decryptor
	directory *keeper.Directory
	forwarder KeeperDispatcher
	queue     SettlementQueue
	client    *http.Client
	opts      Options
	logger    *zap.Logger
}

// NewProxy creates a gateway proxy
func NewProxy(repo data.Repository, box Decryptor, directory *keeper.Directory, forwarder KeeperDispatcher, queue SettlementQueue, opts Options, logger *zap.Logger) *Proxy {
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = 30 * time.Second
	}
	if opts.Mode == "" {
		opts.Mode = ModeDirect
	}
	return &Proxy{
		repo:      repo,
		box:       box,
		directory: directory,
		forwarder: forwarder,
		queue:     queue,
		client:    &http.Client{Timeout: opts.UpstreamTimeout},
		opts:      opts,
		logger:    logger,
	}
}

// Handle proxies one buyer call in the configured default mode.
func (p *Proxy) Handle(ctx context.Context, req *Request) (*Response, error) {
	return p.HandleMode(ctx, req, p.opts.Mode)
}

// HandleMode proxies one buyer call: authenticate the access key,
// resolve the listing, dispatch upstream with the injected seller
// credential, then atomically charge the quota and record the attempt.
func (p *Proxy) HandleMode(ctx context.Context, req *Request, mode Mode) (*Response, error) {
	grant, listing, credential, err := p.authorize(ctx, req.AccessKey)
	if err != nil {
		return nil, err
	}

	call, err := p.buildCall(req, listing, credential)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, keeperAddr, attempted, dispatchErr := p.dispatch(ctx, call, mode)
	latency := time.Since(start).Milliseconds()

	// Nothing left the gateway, so nothing is charged.
	if !attempted && dispatchErr != nil {
		return nil, dispatchErr
	}

	status := 0
	var header http.Header
	var body []byte
	if dispatchErr != nil {
		status = synthesizeStatus(dispatchErr)
	} else {
		status = result.StatusCode
		header = result.Header
		body = result.Body
	}

	// Charge per attempt: the quota unit and the usage record land in
	// one transaction regardless of the upstream outcome.
	rec := data.NewUsageRecord(grant.BuyerID, grant.ListingID, req.Method, req.Path)
	rec.Success = dispatchErr == nil && status < http.StatusInternalServerError
	rec.ResponseCode = status
	rec.LatencyMs = latency
	rec.Cost = listing.CostPerCall
	rec.KeeperID = keeperAddr

	charged, err := p.repo.ConsumeQuota(ctx, req.AccessKey, rec)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil, ErrInvalidAccessKey
		}
		return nil, err
	}

	p.enqueueSettlement(charged, rec)

	if dispatchErr != nil {
		p.logger.Warn("upstream dispatch failed",
			zap.String("listing_id", listing.ID),
			zap.String("keeper", keeperAddr),
			zap.Int("status", status),
			zap.Error(dispatchErr))
	}

	return &Response{
		StatusCode:    status,
		Header:        header,
		Body:          body,
		Used:          charged.UsedQuota,
		Total:         charged.TotalQuota,
		Remaining:     charged.RemainingQuota(),
		UsageID:       rec.ID,
		KeeperAddress: keeperAddr,
		LatencyMs:     latency,
	}, nil
}

// authorize resolves the grant, its listing, and the decrypted seller
// credential, failing fast before anything is charged.
func (p *Proxy) authorize(ctx context.Context, accessKey string) (*data.AccessGrant, *data.Listing, string, error) {
	if accessKey == "" {
		return nil, nil, "", ErrInvalidAccessKey
	}

	grant, err := p.repo.GetAccessGrant(ctx, accessKey)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil, nil, "", ErrInvalidAccessKey
		}
		return nil, nil, "", fmt.Errorf("loading grant: %w", err)
	}

	if grant.Status != data.GrantActive {
		return nil, nil, "", fmt.Errorf("%w: status %s", ErrGrantNotActive, grant.Status)
	}
	if grant.Expired(time.Now().UTC()) {
		// Lazy expiry; the reaper sweeps the rest.
		if err := p.repo.SetGrantStatus(ctx, accessKey, data.GrantExpired); err != nil {
			p.logger.Warn("marking grant expired", zap.Error(err))
		}
		return nil, nil, "", fmt.Errorf("%w: expired", ErrGrantNotActive)
	}
	if grant.RemainingQuota() <= 0 {
		return nil, nil, "", data.ErrQuotaExhausted
	}

	listing, err := p.repo.GetListing(ctx, grant.ListingID)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil, nil, "", fmt.Errorf("%w: listing %s missing", ErrListingMisconfigured, grant.ListingID)
		}
		return nil, nil, "", fmt.Errorf("loading listing: %w", err)
	}
	if err := listing.Validate(); err != nil {
		return nil, nil, "", fmt.Errorf("%w: %v", ErrListingMisconfigured, err)
	}
	if len(listing.EncryptedCredential) == 0 {
		return nil, nil, "", fmt.Errorf("%w: no credential stored", ErrListingMisconfigured)
	}

	credential, err := p.box.Decrypt(listing.EncryptedCredential, listing.CredentialSalt)
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w: %v", ErrListingMisconfigured, err)
	}

	return grant, listing, credential, nil
}

// buildCall assembles the outbound request with the credential injected.
func (p *Proxy) buildCall(req *Request, listing *data.Listing, credential string) (*UpstreamCall, error) {
	path := req.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := strings.TrimSuffix(listing.UpstreamBaseURL, "/") + path
	if req.RawQuery != "" {
		url += "?" + req.RawQuery
	}

	outbound, err := http.NewRequest(req.Method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListingMisconfigured, err)
	}
	copyProxyHeaders(outbound.Header, req.Header)

	if err := injectCredential(outbound, listing.AuthMode, credential); err != nil {
		return nil, err
	}

	return &UpstreamCall{
		Method: req.Method,
		URL:    outbound.URL.String(),
		Header: outbound.Header,
		Body:   req.Body,
	}, nil
}

// dispatch sends the call directly or through a keeper, depending on
// the configured mode. The attempted flag reports whether the call
// actually left the gateway; only attempted calls are charged.
func (p *Proxy) dispatch(ctx context.Context, call *UpstreamCall, mode Mode) (*UpstreamResult, string, bool, error) {
	if mode == ModeKeeper {
		return p.dispatchKeeper(ctx, call)
	}
	result, err := p.dispatchDirect(ctx, call)
	attempted := !errors.Is(err, ErrListingMisconfigured)
	return result, "", attempted, err
}

func (p *Proxy) dispatchDirect(ctx context.Context, call *UpstreamCall) (*UpstreamResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.UpstreamTimeout)
	defer cancel()

	var body io.Reader
	if len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}
	req, err := http.NewRequestWithContext(ctx, call.Method, call.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListingMisconfigured, err)
	}
	for k, vals := range call.Header {
		req.Header[k] = vals
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrUpstreamTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(p.limitReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUpstreamUnreachable, err)
	}

	return &UpstreamResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
	}, nil
}

func (p *Proxy) dispatchKeeper(ctx context.Context, call *UpstreamCall) (*UpstreamResult, string, bool, error) {
	node, err := p.directory.Select(ctx)
	if err != nil {
		return nil, "", false, fmt.Errorf("selecting keeper: %w", err)
	}
	if node == nil {
		return nil, "", false, ErrNoKeeperAvailable
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, p.opts.UpstreamTimeout)
	defer cancel()

	result, err := p.forwarder.Dispatch(dispatchCtx, node, call)

	// A keeper succeeds when it completes the envelope exchange. The
	// relayed upstream status belongs to the seller API, not the keeper;
	// a node faithfully relaying an upstream 502 did its job.
	success := err == nil
	if recErr := p.directory.RecordOutcome(ctx, node.Address, success); recErr != nil {
		p.logger.Warn("recording keeper outcome", zap.Error(recErr))
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, node.Address, true, ErrUpstreamTimeout
		}
		return nil, node.Address, true, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	return result, node.Address, true, nil
}

func (p *Proxy) enqueueSettlement(grant *data.AccessGrant, rec *data.UsageRecord) {
	if p.queue == nil {
		return
	}
	p.queue.Enqueue(settlement.Job{
		UsageID:    rec.ID,
		PurchaseID: grant.PurchaseID,
		BuyerID:    grant.BuyerID,
		ListingID:  grant.ListingID,
		Calls:      1,
	})
}

func (p *Proxy) limitReader(r io.Reader) io.Reader {
	if p.opts.MaxBodyBytes <= 0 {
		return r
	}
	return io.LimitReader(r, p.opts.MaxBodyBytes)
}

// synthesizeStatus maps a dispatch error onto the status code recorded
// for the charged attempt.
func synthesizeStatus(err error) int {
	switch {
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrNoKeeperAvailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// copyProxyHeaders forwards buyer headers, dropping hop-by-hop ones and
// anything that could leak or override the injected credential.
func copyProxyHeaders(dst, src http.Header) {
	for k, vals := range src {
		switch http.CanonicalHeaderKey(k) {
		case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
			"Te", "Trailer", "Transfer-Encoding", "Upgrade",
			"Authorization", "Host", "Content-Length":
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}
