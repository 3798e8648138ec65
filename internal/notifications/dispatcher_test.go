package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_SendTemplatedEmail(t *testing.T) {
	t.Parallel()

	m := NewManager(10, nil)
	provider := newFakeProvider("email")
	m.RegisterProvider(provider)
	m.Start(context.Background())

	d := NewDispatcher(m, nil)
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	id := d.SendTemplatedEmail(context.Background(), "1234567_testaccount",
		[]string{"normaluser@testmail.com"}, "Onboarded", string(EventOnboarded),
		map[string]string{"userName": "testaccount"})
	require.NotEmpty(t, id)
	m.Stop()

	sent := provider.getSentEvents()
	require.Len(t, sent, 1)
	assert.Equal(t, id, sent[0].ID)
	assert.Equal(t, EventOnboarded, sent[0].Type)
	assert.Equal(t, "1234567_testaccount", sent[0].Account)
	assert.Equal(t, fixed, sent[0].Timestamp)
	assert.Equal(t, "testaccount", sent[0].Data["userName"])
}

func TestDispatcher_DropsWithoutManager(t *testing.T) {
	t.Parallel()

	var nilDispatcher *Dispatcher
	assert.Empty(t, nilDispatcher.SendTemplatedEmail(context.Background(), "a", nil, "s", "onboarded", nil))
	assert.Empty(t, NewDispatcher(nil, nil).SendTemplatedEmail(context.Background(), "a", nil, "s", "onboarded", nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewManager(10, nil)
	assert.Empty(t, NewDispatcher(m, nil).SendTemplatedEmail(ctx, "a", nil, "s", "onboarded", nil))
}
