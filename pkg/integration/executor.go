// Package integration executes probes against hub-side integrations:
// remote HTTP APIs such as Proxmox VE and Keeper Secrets Manager that have
// no agent. Execution handles retries, OAuth token refresh, and lazy
// resolution of keeper:// credential references.
package integration

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"

	"github.com/sonde-dev/sonde/pkg/models"
)

const (
	// maxAttempts bounds execution at one initial try plus two retries.
	maxAttempts = 3

	retryBaseInterval = time.Second
	requestTimeout    = 30 * time.Second

	// keeperCacheTTL is how long resolved Keeper records stay cached, so a
	// runbook touching one integration does not hammer Keeper per probe.
	keeperCacheTTL = 5 * time.Minute
)

// Store is the slice of persistence the executor needs.
type Store interface {
	GetIntegration(ctx context.Context, id string) (*models.Integration, error)
	GetIntegrationByName(ctx context.Context, name string) (*models.Integration, error)
	UpdateIntegrationConfig(ctx context.Context, id string, cfg *models.IntegrationConfig) error
	AppendIntegrationEvent(ctx context.Context, ev *models.IntegrationEvent) error
}

// handlerFunc executes one probe against a remote API. Non-2xx responses
// come back as *HTTPStatusError; anything else is a transport failure.
type handlerFunc func(ctx context.Context, client *http.Client, cfg *models.IntegrationConfig, probe string, params map[string]any) (json.RawMessage, error)

type cachedRecord struct {
	fields    map[string]string
	expiresAt time.Time
}

// Executor runs integration probes.
type Executor struct {
	store    Store
	logger   *slog.Logger
	handlers map[string]handlerFunc

	// retryInterval is the base backoff delay. Tests shrink it.
	retryInterval time.Duration

	// OnResult, when set, is called once per ExecuteProbe with the
	// integration name and the response status.
	OnResult func(integration, outcome string)

	cacheMu     sync.Mutex
	keeperCache map[string]cachedRecord // "<integrationID>/<recordUID>" -> record
}

// NewExecutor creates an Executor with the built-in handlers.
func NewExecutor(store Store) *Executor {
	e := &Executor{
		store:         store,
		logger:        slog.With("component", "integration"),
		keeperCache:   make(map[string]cachedRecord),
		retryInterval: retryBaseInterval,
	}
	e.handlers = map[string]handlerFunc{
		"proxmox": e.proxmoxProbe,
		"keeper":  e.keeperProbe,
	}
	return e
}

// ExecuteProbe runs one probe against the named integration and returns a
// uniform probe response. Lookup and routing mistakes return an error;
// remote failures come back inside the response with status error.
func (e *Executor) ExecuteProbe(ctx context.Context, integrationName, probe string, params map[string]any) (*models.ProbeResponse, error) {
	integ, err := e.lookup(ctx, integrationName)
	if err != nil {
		return nil, err
	}

	packName, _, found := strings.Cut(probe, ".")
	if !found {
		return nil, fmt.Errorf("probe %q is not fully qualified", probe)
	}
	if packName != integ.Type {
		return nil, fmt.Errorf("%w: probe %q, integration type %q", ErrProbeMismatch, probe, integ.Type)
	}

	handler, ok := e.handlers[integ.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, integ.Type)
	}

	start := time.Now()
	data, err := e.runWithRetry(ctx, integ, handler, probe, params)
	resp := &models.ProbeResponse{
		Probe:      probe,
		DurationMs: time.Since(start).Milliseconds(),
		Metadata: models.ProbeMetadata{
			Source: integ.Name,
		},
	}

	if err != nil {
		resp.Status = models.ProbeStatusError
		if errors.Is(err, context.DeadlineExceeded) {
			resp.Status = models.ProbeStatusTimeout
		}
		resp.Error = err.Error()
		e.recordFailure(integ, probe, err)
	} else {
		resp.Status = models.ProbeStatusSuccess
		resp.Data = data
	}

	if e.OnResult != nil {
		e.OnResult(integ.Name, string(resp.Status))
	}
	return resp, nil
}

// Test performs a cheap connectivity check for one integration, used by the
// dashboard's "test connection" action.
func (e *Executor) Test(ctx context.Context, integrationName string) error {
	integ, err := e.lookup(ctx, integrationName)
	if err != nil {
		return err
	}
	switch integ.Type {
	case "proxmox":
		_, err = e.runWithRetry(ctx, integ, e.proxmoxProbe, "proxmox.cluster.status", nil)
	case "keeper":
		cfg, cerr := e.resolvedConfig(ctx, integ)
		if cerr != nil {
			return cerr
		}
		err = e.keeperPing(ctx, e.httpClient(cfg), cfg)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedType, integ.Type)
	}
	return err
}

func (e *Executor) lookup(ctx context.Context, nameOrID string) (*models.Integration, error) {
	integ, err := e.store.GetIntegrationByName(ctx, nameOrID)
	if err == nil {
		return integ, nil
	}
	integ, err = e.store.GetIntegration(ctx, nameOrID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIntegration, nameOrID)
	}
	return integ, nil
}

// runWithRetry executes the handler with exponential backoff. Network
// errors and 5xx responses retry; other HTTP statuses are permanent. A 401
// on the first attempt with OAuth credentials triggers one token refresh
// before the retry; a 401 on any later attempt is permanent.
func (e *Executor) runWithRetry(ctx context.Context, integ *models.Integration, handler handlerFunc, probe string, params map[string]any) (json.RawMessage, error) {
	var out json.RawMessage
	attempt := -1

	op := func() error {
		attempt++
		cfg, err := e.resolvedConfig(ctx, integ)
		if err != nil {
			return backoff.Permanent(err)
		}

		data, err := handler(ctx, e.httpClient(cfg), cfg, probe, params)
		if err == nil {
			out = data
			return nil
		}

		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			if statusErr.StatusCode == http.StatusUnauthorized &&
				attempt == 0 && integ.Config.Credentials.OAuth != nil {
				if rerr := e.refreshOAuth(ctx, integ); rerr != nil {
					e.logger.Warn("OAuth token refresh failed",
						"integration", integ.Name, "error", rerr)
					return backoff.Permanent(err)
				}
				e.logger.Info("OAuth token refreshed", "integration", integ.Name)
				return err
			}
			if statusErr.Retryable() {
				return err
			}
			return backoff.Permanent(err)
		}

		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	return out, backoff.Retry(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx))
}

// refreshOAuth exchanges the refresh token for a new access token and
// persists the rotated credentials.
func (e *Executor) refreshOAuth(ctx context.Context, integ *models.Integration) error {
	oc := integ.Config.Credentials.OAuth
	if oc == nil || oc.RefreshToken == "" || oc.TokenURL == "" {
		return errors.New("no refresh token available")
	}

	conf := &oauth2.Config{
		ClientID:     oc.ClientID,
		ClientSecret: oc.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: oc.TokenURL},
	}
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: oc.RefreshToken}).Token()
	if err != nil {
		return fmt.Errorf("refresh token exchange: %w", err)
	}

	oc.AccessToken = token.AccessToken
	oc.ExpiresAt = token.Expiry
	if token.RefreshToken != "" {
		oc.RefreshToken = token.RefreshToken
	}
	if err := e.store.UpdateIntegrationConfig(ctx, integ.ID, integ.Config); err != nil {
		return fmt.Errorf("persist refreshed token: %w", err)
	}
	return nil
}

// resolvedConfig returns a copy of the integration config with every
// keeper:// credential reference replaced by its secret value.
func (e *Executor) resolvedConfig(ctx context.Context, integ *models.Integration) (*models.IntegrationConfig, error) {
	cfg := *integ.Config
	if err := applyDefaults(integ.Type, &cfg); err != nil {
		return nil, err
	}
	creds := cfg.Credentials

	fields := []*string{&creds.APIKey, &creds.Token, &creds.Username, &creds.Password}
	for _, field := range fields {
		if !strings.HasPrefix(*field, "keeper://") {
			continue
		}
		value, err := e.resolveKeeperRef(ctx, *field)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", *field, err)
		}
		*field = value
	}

	cfg.Credentials = creds
	return &cfg, nil
}

// resolveKeeperRef resolves one keeper://<integration>/<recordUID>/field/<name>
// reference through the referenced Keeper integration.
func (e *Executor) resolveKeeperRef(ctx context.Context, ref string) (string, error) {
	parts := strings.Split(strings.TrimPrefix(ref, "keeper://"), "/")
	if len(parts) != 4 || parts[2] != "field" {
		return "", fmt.Errorf("malformed keeper reference %q", ref)
	}
	keeperID, recordUID, fieldName := parts[0], parts[1], parts[3]

	cacheKey := keeperID + "/" + recordUID
	e.cacheMu.Lock()
	cached, ok := e.keeperCache[cacheKey]
	e.cacheMu.Unlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return fieldFromRecord(cached.fields, fieldName)
	}

	keeper, err := e.lookup(ctx, keeperID)
	if err != nil {
		return "", err
	}
	if keeper.Type != "keeper" {
		return "", fmt.Errorf("integration %q is not a keeper integration", keeperID)
	}

	fields, err := e.fetchKeeperRecord(ctx, keeper, recordUID)
	if err != nil {
		return "", err
	}

	e.cacheMu.Lock()
	e.keeperCache[cacheKey] = cachedRecord{fields: fields, expiresAt: time.Now().Add(keeperCacheTTL)}
	e.cacheMu.Unlock()

	return fieldFromRecord(fields, fieldName)
}

func fieldFromRecord(fields map[string]string, name string) (string, error) {
	value, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("record has no field %q", name)
	}
	return value, nil
}

func (e *Executor) recordFailure(integ *models.Integration, probe string, err error) {
	ev := &models.IntegrationEvent{
		IntegrationID: integ.ID,
		Timestamp:     time.Now().UTC(),
		Kind:          "probe_error",
		Detail:        fmt.Sprintf("%s: %v", probe, err),
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		ev.ErrorName = "httpStatusError"
		ev.CauseCode = fmt.Sprintf("%d", statusErr.StatusCode)
	} else {
		ev.ErrorName = "transportError"
	}

	// Event logging is best-effort; the probe error already reaches the caller.
	if werr := e.store.AppendIntegrationEvent(context.Background(), ev); werr != nil {
		e.logger.Warn("Failed to record integration event",
			"integration", integ.Name, "error", werr)
	}
}

func (e *Executor) httpClient(cfg *models.IntegrationConfig) *http.Client {
	client := &http.Client{Timeout: requestTimeout}
	if cfg.InsecureTLS {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return client
}

// doJSON performs one HTTP request and decodes a 2xx JSON body. Non-2xx
// statuses become *HTTPStatusError with the body discarded.
func doJSON(ctx context.Context, client *http.Client, req *http.Request) (json.RawMessage, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("response is not valid JSON")
	}
	return body, nil
}
