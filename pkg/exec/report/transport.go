package report

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"

	"github.com/qiyongbo/starrocks/pkg/exec/status"
)

// ReportPath is the path of the coordinator endpoint receiving reports.
const ReportPath = "/api/v1/report_exec_status"

const (
	contentType  = "application/json"
	maxErrMsgLen = 1024
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Transport delivers a report to the coordinator. Errors wrapped with
// [Permanent] are not retried.
type Transport interface {
	Send(ctx context.Context, r Report) error
}

// TransportFunc adapts a function to a [Transport].
type TransportFunc func(ctx context.Context, r Report) error

// Send implements [Transport].
func (f TransportFunc) Send(ctx context.Context, r Report) error { return f(ctx, r) }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with [Permanent].
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// HTTPTransport posts reports as JSON to a coordinator.
type HTTPTransport struct {
	url    string
	client *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport returns a transport posting to the report endpoint below
// baseURL. http.DefaultClient is used if client is nil.
func NewHTTPTransport(baseURL string, client *http.Client) (*HTTPTransport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing coordinator URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("coordinator URL %q must have a scheme and a host", baseURL)
	}
	u.Path = path.Join(u.Path, ReportPath)

	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{url: u.String(), client: client}, nil
}

// Send implements [Transport]. Responses with status 429 or 5xx and network
// errors are transient; other non-2xx responses are permanent.
func (t *HTTPTransport) Send(ctx context.Context, r Report) error {
	buf, err := json.Marshal(r)
	if err != nil {
		return Permanent(fmt.Errorf("encoding report: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(buf))
	if err != nil {
		return Permanent(fmt.Errorf("creating report request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := t.client.Do(req)
	if err != nil {
		return status.Wrap(status.CodeNetworkFailure, err, "sending report")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	scanner := bufio.NewScanner(io.LimitReader(resp.Body, maxErrMsgLen))
	line := ""
	if scanner.Scan() {
		line = scanner.Text()
	}
	err = status.Errorf(status.CodeNetworkFailure, "coordinator returned HTTP status %s: %s", resp.Status, line)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5 {
		return err
	}
	return Permanent(err)
}

// NewHandler returns an HTTP handler decoding reports posted by an
// [HTTPTransport] and passing them to fn. Errors returned by fn are answered
// with 400 if permanent and 503 otherwise.
func NewHandler(logger log.Logger, fn func(ctx context.Context, r Report) error) http.Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var r Report
		if err := json.NewDecoder(io.LimitReader(req.Body, 1<<20)).Decode(&r); err != nil {
			http.Error(w, fmt.Sprintf("decoding report: %v", err), http.StatusBadRequest)
			return
		}
		if r.InstanceID == "" {
			http.Error(w, "report has no fragment instance id", http.StatusBadRequest)
			return
		}

		if err := fn(req.Context(), r); err != nil {
			level.Warn(logger).Log("msg", "rejected report", "fragment_instance_id", r.InstanceID, "seq", r.Seq, "err", err)
			code := http.StatusServiceUnavailable
			if IsPermanent(err) {
				code = http.StatusBadRequest
			}
			http.Error(w, err.Error(), code)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
