package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/juanbautista0/federation-gateway/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	HeaderTarget       = "X-Federation-Target"
	HeaderTimeout      = "X-Federation-Timeout"
	HeaderEndpoint     = "X-Federation-Endpoint"
	HeaderResponseTime = "X-Federation-Response-Time"

	maxRequestBody = 10 << 20
)

// hopHeaders are stripped in both directions (RFC 9110 section 7.6.1).
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var errResponseTooLarge = errors.New("response body exceeds limit")

// Router resolves the current document and explicit targets.
type Router interface {
	Snapshot() *domain.FederationConfig
	Endpoint(id string) (domain.RemoteEndpoint, bool)
}

type Selector interface {
	Select(endpoints []domain.RemoteEndpoint) *domain.RemoteEndpoint
}

type Admission interface {
	Admit(id string) (bool, time.Duration)
	RecordSuccess(id string)
	RecordFailure(id string)
}

type ConnectionAccountant interface {
	Acquire(id string) (release func())
}

type OutcomeRecorder interface {
	Record(success bool, elapsedMs float64, endpointID string)
}

// CallObserver receives per-call telemetry. Optional.
type CallObserver interface {
	ObserveCall(endpointID string, success bool, elapsed time.Duration)
	ObserveRejection(endpointID string)
	ObserveNoEndpoint()
}

type ProxyDeps struct {
	Router      Router
	Selector    Selector
	Breakers    Admission
	Connections ConnectionAccountant
	Metrics     OutcomeRecorder
	Observer    CallObserver
	Client      *http.Client
	Tracer      trace.Tracer
	Propagator  propagation.TextMapPropagator
}

// ProxyService forwards one request to one endpoint. A call is attempted
// exactly once; callers that want retries call Proxy again.
type ProxyService struct {
	router     Router
	selector   Selector
	breakers   Admission
	conns      ConnectionAccountant
	metrics    OutcomeRecorder
	observer   CallObserver
	client     *http.Client
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	logger     *zap.Logger
}

func NewProxyService(deps ProxyDeps, logger *zap.Logger) *ProxyService {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &ProxyService{
		router:     deps.Router,
		selector:   deps.Selector,
		breakers:   deps.Breakers,
		conns:      deps.Connections,
		metrics:    deps.Metrics,
		observer:   deps.Observer,
		client:     deps.Client,
		tracer:     deps.Tracer,
		propagator: deps.Propagator,
		logger:     logger.With(zap.String("component", "proxy")),
	}
	if p.client == nil {
		// Timeouts come from the per-call context.
		p.client = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        200,
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer("federation-gateway/proxy")
	}
	if p.propagator == nil {
		p.propagator = otel.GetTextMapPropagator()
	}
	return p
}

// Proxy resolves an endpoint, checks admission and forwards the request.
// The connection counter is released on every path out of this call.
func (p *ProxyService) Proxy(ctx context.Context, req *domain.ProxyRequest) (*domain.ProxyResponse, error) {
	cfg := p.router.Snapshot()
	if cfg == nil {
		return nil, domain.ErrNoHealthyEndpoint
	}

	ep, err := p.resolve(cfg, req)
	if err != nil {
		if p.observer != nil && errors.Is(err, domain.ErrNoHealthyEndpoint) {
			p.observer.ObserveNoEndpoint()
		}
		return nil, err
	}

	if ok, retryAfter := p.breakers.Admit(ep.ID); !ok {
		if p.observer != nil {
			p.observer.ObserveRejection(ep.ID)
		}
		return nil, &domain.CircuitOpenError{EndpointID: ep.ID, RetryAfter: retryAfter}
	}

	release := p.conns.Acquire(ep.ID)
	defer release()

	timeout := ep.Timeout()
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds * float64(time.Second))
	}
	if timeout <= 0 {
		timeout = time.Duration(domain.DefaultTimeoutSeconds * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := p.tracer.Start(ctx, "federation.proxy",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("federation.endpoint.id", ep.ID),
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.Path),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := p.forward(ctx, ep, req, cfg.Defaults.MaxResponseBytes)
	elapsed := time.Since(start)

	if err != nil {
		p.record(ep.ID, false, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream call failed")

		upErr := &domain.UpstreamError{
			EndpointID: ep.ID,
			Elapsed:    elapsed,
			Timeout:    isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:        err,
		}
		p.logger.Warn("upstream call failed",
			zap.String("endpoint_id", ep.ID),
			zap.Duration("elapsed", elapsed),
			zap.Bool("timeout", upErr.Timeout),
			zap.Error(err),
		)
		return nil, upErr
	}

	success := !(cfg.Defaults.Count5xxAsFailure && resp.StatusCode >= http.StatusInternalServerError)
	p.record(ep.ID, success, elapsed)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	resp.EndpointID = ep.ID
	resp.ResponseTimeMs = float64(elapsed) / float64(time.Millisecond)
	resp.AttemptCount = 1
	return resp, nil
}

// resolve never consults health for explicit targets; admission still
// applies to them.
func (p *ProxyService) resolve(cfg *domain.FederationConfig, req *domain.ProxyRequest) (domain.RemoteEndpoint, error) {
	if req.TargetEndpoint != "" {
		ep, ok := p.router.Endpoint(req.TargetEndpoint)
		if !ok {
			return domain.RemoteEndpoint{}, domain.EndpointNotFound(req.TargetEndpoint)
		}
		if ep.Status == domain.EndpointInactive {
			return domain.RemoteEndpoint{}, fmt.Errorf("%w: endpoint %s is inactive", domain.ErrNoHealthyEndpoint, ep.ID)
		}
		return ep, nil
	}

	selected := p.selector.Select(cfg.Candidates(req.Path))
	if selected == nil {
		return domain.RemoteEndpoint{}, domain.ErrNoHealthyEndpoint
	}
	return *selected, nil
}

func (p *ProxyService) record(id string, success bool, elapsed time.Duration) {
	if success {
		p.breakers.RecordSuccess(id)
	} else {
		p.breakers.RecordFailure(id)
	}
	p.metrics.Record(success, float64(elapsed)/float64(time.Millisecond), id)
	if p.observer != nil {
		p.observer.ObserveCall(id, success, elapsed)
	}
}

func (p *ProxyService) forward(ctx context.Context, ep domain.RemoteEndpoint, req *domain.ProxyRequest, limit int64) (*domain.ProxyResponse, error) {
	target, err := targetURL(ep.Address, req.Path, req.QueryParams)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	out, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}

	out.Header = outboundHeaders(req)
	p.propagator.Inject(ctx, propagation.HeaderCarrier(out.Header))

	resp, err := p.client.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if limit <= 0 {
		limit = domain.DefaultMaxResponseBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", errResponseTooLarge, limit)
	}

	headers := resp.Header.Clone()
	removeHopHeaders(headers)
	return &domain.ProxyResponse{StatusCode: resp.StatusCode, Headers: headers, Body: data}, nil
}

func targetURL(address, path string, query url.Values) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("endpoint address: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func outboundHeaders(req *domain.ProxyRequest) http.Header {
	h := req.Headers.Clone()
	if h == nil {
		h = make(http.Header)
	}
	removeHopHeaders(h)
	h.Del(HeaderTarget)
	h.Del(HeaderTimeout)

	if req.ClientIP != "" && h.Get("X-Forwarded-For") == "" {
		h.Set("X-Forwarded-For", req.ClientIP)
	}
	return h
}

func removeHopHeaders(h http.Header) {
	if c := h.Get("Connection"); c != "" {
		for _, f := range strings.Split(c, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ServeHTTP binds Proxy to HTTP.
func (p *ProxyService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	req := &domain.ProxyRequest{
		Method:         r.Method,
		Path:           r.URL.Path,
		Headers:        r.Header.Clone(),
		QueryParams:    r.URL.Query(),
		Body:           body,
		TargetEndpoint: r.Header.Get(HeaderTarget),
		ClientIP:       p.getClientIP(r),
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := req.Headers.Get("X-Forwarded-For"); prior != "" {
			req.Headers.Set("X-Forwarded-For", prior+", "+host)
		} else {
			req.Headers.Set("X-Forwarded-For", host)
		}
	}
	if raw := r.Header.Get(HeaderTimeout); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs <= 0 {
			http.Error(w, "invalid "+HeaderTimeout+" header", http.StatusBadRequest)
			return
		}
		req.TimeoutSeconds = secs
	}

	ctx := p.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	resp, err := p.Proxy(ctx, req)
	if err != nil {
		p.writeProxyError(w, err)
		return
	}

	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(HeaderEndpoint, resp.EndpointID)
	w.Header().Set(HeaderResponseTime, strconv.FormatFloat(resp.ResponseTimeMs, 'f', 2, 64))
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (p *ProxyService) writeProxyError(w http.ResponseWriter, err error) {
	var open *domain.CircuitOpenError
	switch {
	case errors.As(err, &open):
		secs := int(math.Ceil(open.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(1, secs)))
		w.Header().Set(HeaderEndpoint, open.EndpointID)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrNoHealthyEndpoint):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrEndpointNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrUpstreamTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, domain.ErrUpstream):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		p.logger.Error("proxy failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (p *ProxyService) getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
