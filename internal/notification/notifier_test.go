package notification

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/events"
)

type fakeProvider struct {
	mu     sync.Mutex
	titles []string
	bodies []string
	err    error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Send(_ context.Context, title, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.titles = append(p.titles, title)
	p.bodies = append(p.bodies, message)
	return nil
}

func (p *fakeProvider) sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.titles)
}

type faultEvent struct {
	stream string
	fatal  bool
	at     time.Time
}

func (e faultEvent) GetKind() events.Kind       { return events.KindStreamFault }
func (e faultEvent) GetStreamID() string        { return e.stream }
func (e faultEvent) GetTimestamp() time.Time    { return e.at }
func (e faultEvent) GetMessage() string         { return fmt.Sprintf("fault on %s", e.stream) }
func (e faultEvent) GetContext() map[string]any { return nil }
func (e faultEvent) Fatal() bool                { return e.fatal }

func TestNotifierFatalOnly(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	n := NewNotifier(Config{}, p)

	assert.True(t, n.Accepts(events.KindStreamFault))
	assert.False(t, n.Accepts(events.KindPersonDetected))

	require.NoError(t, n.ProcessEvent(faultEvent{stream: "cam-a", at: time.Now()}))
	assert.Zero(t, p.sent())

	require.NoError(t, n.ProcessEvent(faultEvent{stream: "cam-a", fatal: true, at: time.Now()}))
	require.Equal(t, 1, p.sent())
	assert.Equal(t, "Stream cam-a closed", p.titles[0])
	assert.Contains(t, p.bodies[0], "fault on cam-a")
}

func TestNotifierCooldownPerStream(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	n := NewNotifier(Config{Cooldown: 50 * time.Millisecond}, p)

	for range 3 {
		require.NoError(t, n.ProcessEvent(faultEvent{stream: "cam-a", fatal: true, at: time.Now()}))
	}
	require.NoError(t, n.ProcessEvent(faultEvent{stream: "cam-b", fatal: true, at: time.Now()}))
	assert.Equal(t, 2, p.sent())

	time.Sleep(80 * time.Millisecond)
	require.NoError(t, n.ProcessEvent(faultEvent{stream: "cam-a", fatal: true, at: time.Now()}))
	assert.Equal(t, 3, p.sent())
}

func TestNotifierProviderFailure(t *testing.T) {
	t.Parallel()

	bad := &fakeProvider{err: errors.Newf("service unavailable").Category(errors.CategoryIntegration).Build()}
	good := &fakeProvider{}
	n := NewNotifier(Config{}, bad, good)

	err := n.ProcessEvent(faultEvent{stream: "cam-a", fatal: true, at: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service unavailable")
	assert.Equal(t, 1, good.sent())
}

func TestShoutrrrProviderRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := NewShoutrrrProvider(nil, time.Second)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	secret := "notaservice://token-abc123@example.com"
	_, err = NewShoutrrrProvider([]string{secret}, time.Second)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "token-abc123")
}
