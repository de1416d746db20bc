package notification

import (
	"context"
	"io"
	"log"
	"net/url"
	"slices"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/tphakala/lightfield/internal/errors"
)

// Provider delivers one notification.
type Provider interface {
	Name() string
	Send(ctx context.Context, title, message string) error
}

// ShoutrrrProvider sends via nicholas-fedor/shoutrrr
// Creates a single sender for multiple URLs.
type ShoutrrrProvider struct {
	urls   []string
	sender *router.ServiceRouter
}

// NewShoutrrrProvider validates urls and builds the sender.
func NewShoutrrrProvider(urls []string, timeout time.Duration) (*ShoutrrrProvider, error) {
	if len(urls) == 0 {
		return nil, errors.Newf("at least one notification URL is required").
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}
	sp := &ShoutrrrProvider{urls: slices.Clone(urls)}
	sender, err := shoutrrr.CreateSender(sp.urls...)
	if err != nil {
		return nil, sp.sanitize(err)
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	sp.sender = sender
	return sp, nil
}

func (s *ShoutrrrProvider) Name() string { return "shoutrrr" }

// Send delivers to every configured URL and returns the first failure.
func (s *ShoutrrrProvider) Send(_ context.Context, title, message string) error {
	params := stypes.Params{}
	if title != "" {
		params.SetTitle(title)
	}
	for _, e := range s.sender.Send(message, &params) {
		if e != nil {
			return s.sanitize(e)
		}
	}
	return nil
}

// sanitize strips tokens and credentials of the configured service URLs from
// err.
func (s *ShoutrrrProvider) sanitize(err error) error {
	msg := err.Error()
	for _, raw := range s.urls {
		scheme := "service"
		if u, perr := url.Parse(raw); perr == nil && u.Scheme != "" {
			scheme = u.Scheme
		}
		msg = strings.ReplaceAll(msg, raw, scheme+"://***")
	}
	return errors.Newf("%s", msg).
		Component("notification").
		Category(errors.CategoryIntegration).
		Build()
}
