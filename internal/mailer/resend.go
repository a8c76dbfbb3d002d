package mailer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/resend/resend-go/v3"

	"github.com/blockedby/scheduled-mailer/internal/logger"
)

// ResendConfig holds Resend provider settings.
type ResendConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// ResendSender implements Sender using the Resend API.
type ResendSender struct {
	client *resend.Client
	config ResendConfig
	log    *logger.Logger
}

// ResendOption configures a ResendSender.
type ResendOption func(*resendOptions)

type resendOptions struct {
	httpClient *http.Client
	log        *logger.Logger
}

// WithHTTPClient sets the HTTP client used for provider calls.
func WithHTTPClient(c *http.Client) ResendOption {
	return func(o *resendOptions) {
		o.httpClient = c
	}
}

// WithLogger sets the logger for provider anomalies.
func WithLogger(l *logger.Logger) ResendOption {
	return func(o *resendOptions) {
		o.log = l
	}
}

// NewResendSender creates a new Resend sender.
func NewResendSender(cfg ResendConfig, opts ...ResendOption) *ResendSender {
	o := resendOptions{httpClient: &http.Client{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Get()
	}

	// wrap the transport so the response status is visible after the call
	base := o.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc := *o.httpClient
	hc.Transport = &statusTransport{base: base}

	return &ResendSender{
		client: resend.NewCustomClient(&hc, cfg.APIKey),
		config: cfg,
		log:    o.log.Component("mailer.resend"),
	}
}

// Send implements Sender.
func (s *ResendSender) Send(ctx context.Context, msg *Message) (string, error) {
	if err := Validate(msg); err != nil {
		return "", err
	}

	req := &resend.SendEmailRequest{
		From:    s.from(),
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Headers: msg.Headers,
	}
	if len(msg.Attachments) > 0 {
		req.Attachments = convertAttachments(msg.Attachments)
	}
	if len(msg.Tags) > 0 {
		req.Tags = convertTags(msg.Tags)
	}

	info := &responseInfo{}
	resp, err := s.client.Emails.SendWithContext(withResponseInfo(ctx, info), req)
	if err != nil {
		if status, _ := info.get(); status >= 200 && status < 300 {
			// the provider took the message; retrying would send it twice
			s.log.Warn().Err(err).
				Int("status", status).
				Str("entity_ref", msg.Headers["X-Entity-Ref-ID"]).
				Msg("accepted response could not be decoded; treating as sent without id")
			return "", nil
		}
		return "", classify(ctx, info, err)
	}
	if resp == nil || resp.Id == "" {
		// accepted but no id; treat as success so the message is not sent twice
		return "", nil
	}

	return resp.Id, nil
}

func (s *ResendSender) from() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.FromEmail)
	}
	return s.config.FromEmail
}

func convertAttachments(attachments []Attachment) []*resend.Attachment {
	result := make([]*resend.Attachment, len(attachments))
	for i, a := range attachments {
		result[i] = &resend.Attachment{
			Filename: a.Filename,
			Path:     a.URL,
		}
	}
	return result
}

func convertTags(tags map[string]string) []resend.Tag {
	result := make([]resend.Tag, 0, len(tags))
	for name, value := range tags {
		result = append(result, resend.Tag{Name: name, Value: value})
	}
	return result
}

// classify maps a provider error into the transient/permanent taxonomy using
// the captured HTTP status. No status means the request never got a response.
func classify(ctx context.Context, info *responseInfo, err error) error {
	status, retryAfter := info.get()

	de := &DeliveryError{StatusCode: status, RetryAfter: retryAfter, Err: fmt.Errorf("resend: %w", err)}
	switch {
	case status == 0:
		// timeout, dns, connection reset: the provider may or may not have the message
		de.Kind = ErrTransient
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		de.Kind = ErrTransient
	case status >= 400:
		de.Kind = ErrPermanent
	default:
		de.Kind = ErrTransient
	}

	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		de.Kind = ErrTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		de.Kind = ErrTransient
	}

	return de
}

type responseInfoKey struct{}

// responseInfo records the last HTTP response seen for one Send call.
type responseInfo struct {
	mu         sync.Mutex
	status     int
	retryAfter time.Duration
}

func (i *responseInfo) set(status int, retryAfter time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = status
	i.retryAfter = retryAfter
}

func (i *responseInfo) get() (int, time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status, i.retryAfter
}

func withResponseInfo(ctx context.Context, info *responseInfo) context.Context {
	return context.WithValue(ctx, responseInfoKey{}, info)
}

// statusTransport copies the response status into the request context's
// responseInfo, if one is attached.
type statusTransport struct {
	base http.RoundTripper
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if resp != nil {
		if info, ok := req.Context().Value(responseInfoKey{}).(*responseInfo); ok {
			info.set(resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
		}
	}
	return resp, err
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
