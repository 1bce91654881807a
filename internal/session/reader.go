package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"bff-gateway/internal/metrics"
	"bff-gateway/internal/model"
)

// Lookup results recorded in bff_gateway_session_lookups_total.
const (
	ResultNoCookie    = "no_cookie"
	ResultInvalid     = "invalid_cookie"
	ResultFound       = "found"
	ResultNotFound    = "not_found"
	ResultExpired     = "expired"
	ResultUnavailable = "unavailable"
	ResultError       = "error"
)

// Reader resolves the session for an inbound request.
type Reader struct {
	cookieName string
	codec      *CookieCodec
	store      Store
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	CookieName    string
	Codec         *CookieCodec
	Store         Store
	LookupTimeout time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics // optional
}

// NewReader creates a Reader.
func NewReader(opts ReaderOptions) *Reader {
	return &Reader{
		cookieName: opts.CookieName,
		codec:      opts.Codec,
		store:      opts.Store,
		timeout:    opts.LookupTimeout,
		logger:     opts.Logger.With("component", "session_reader"),
		metrics:    opts.Metrics,
		now:        time.Now,
	}
}

// CookieName returns the name of the session cookie.
func (r *Reader) CookieName() string {
	return r.cookieName
}

// Read returns the session for req, or nil when the caller is anonymous.
// A failing store never fails the request: the caller is treated as
// anonymous and the failure is logged. Read does not modify the store and
// returns the same result when called repeatedly for one request.
func (r *Reader) Read(req *http.Request) *model.Session {
	cookie, err := req.Cookie(r.cookieName)
	if err != nil || cookie.Value == "" {
		r.record(ResultNoCookie)
		return nil
	}

	id, err := r.codec.Decode(cookie.Value)
	if err != nil {
		r.logger.Debug("rejected session cookie", "err", err)
		r.record(ResultInvalid)
		return nil
	}

	ctx := req.Context()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	sess, err := r.store.Lookup(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		r.record(ResultNotFound)
		return nil
	case req.Context().Err() != nil:
		// Client went away; nothing to report.
		return nil
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		r.logger.Warn("session store unavailable; treating request as anonymous",
			"err", err,
			"session_id", id,
		)
		r.record(ResultUnavailable)
		return nil
	default:
		r.logger.Error("session lookup failed; treating request as anonymous",
			"err", err,
			"session_id", id,
		)
		r.record(ResultError)
		return nil
	}

	if sess.Expired(r.now()) {
		r.record(ResultExpired)
		return nil
	}
	r.record(ResultFound)
	return sess
}

func (r *Reader) record(result string) {
	if r.metrics != nil {
		r.metrics.SessionLookups.WithLabelValues(result).Inc()
	}
}
