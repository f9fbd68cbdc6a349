package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu    sync.Mutex
	tasks []TaskType
	err   error
}

func (h *recordingHandler) Handle(ctx context.Context, p MaintenancePayload) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tasks = append(h.tasks, p.Task)
	return "ok", h.err
}

func TestDefaultEntries(t *testing.T) {
	entries := DefaultEntries(2*time.Minute, 0)

	require.Len(t, entries, len(Tasks))
	assert.Equal(t, Entry{TaskDispatchDue, "@every 2m0s"}, entries[0])
	assert.Equal(t, Entry{TaskScanRetries, "@every 30m0s"}, entries[1])
}

func TestNewCron_RegistersEveryEntry(t *testing.T) {
	h := &recordingHandler{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c, err := NewCron(context.Background(), h, DefaultEntries(5*time.Minute, 30*time.Minute), logger)
	require.NoError(t, err)

	entries := c.Entries()
	require.Len(t, entries, 4)
	for _, e := range entries {
		e.WrappedJob.Run()
	}
	assert.ElementsMatch(t, []TaskType{TaskDispatchDue, TaskScanRetries, TaskRefreshUnresolved, TaskPurgeTokens}, h.tasks)
}

func TestNewCron_HandlerErrorDoesNotPanic(t *testing.T) {
	h := &recordingHandler{err: errors.New("boom")}

	c, err := NewCron(context.Background(), h, []Entry{{TaskScanRetries, "@hourly"}}, nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() { c.Entries()[0].WrappedJob.Run() })
	assert.Equal(t, []TaskType{TaskScanRetries}, h.tasks)
}

func TestNewCron_RejectsBadEntries(t *testing.T) {
	h := &recordingHandler{}

	_, err := NewCron(context.Background(), h, []Entry{{TaskDispatchDue, "every five minutes"}}, nil)
	assert.Error(t, err)

	_, err = NewCron(context.Background(), h, []Entry{{"archive", "@daily"}}, nil)
	assert.Error(t, err)
}
