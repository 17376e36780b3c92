package deck

import (
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/instance-deck/internal/logging"
	"github.com/asheshgoplani/instance-deck/internal/statedb"
)

var stateLog = logging.ForComponent(logging.CompState)

// statePollInterval is how often the process table timestamp is checked.
const statePollInterval = 2 * time.Second

// stateWatcher polls the metadata.last_modified timestamp of the state
// database and calls onChange when another process touched the process
// table.
type stateWatcher struct {
	db       *statedb.StateDB
	onChange func()
	interval time.Duration

	lastModified int64
	closeCh      chan struct{}
	closeOnce    sync.Once
	done         chan struct{}
}

func newStateWatcher(db *statedb.StateDB, onChange func()) *stateWatcher {
	lastMod, _ := db.LastModified()
	return &stateWatcher{
		db:           db,
		onChange:     onChange,
		interval:     statePollInterval,
		lastModified: lastMod,
		closeCh:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start begins polling (non-blocking).
func (w *stateWatcher) Start() {
	go w.pollLoop()
}

func (w *stateWatcher) pollLoop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.closeCh:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *stateWatcher) check() {
	ts, err := w.db.LastModified()
	if err != nil {
		stateLog.Debug("state_poll_failed", slog.String("error", err.Error()))
		return
	}
	if ts <= w.lastModified {
		return
	}
	w.lastModified = ts
	stateLog.Debug("state_changed", slog.Int64("timestamp", ts))
	w.onChange()
}

// Close stops polling and waits for the poll goroutine. Safe to call more
// than once.
func (w *stateWatcher) Close() {
	w.closeOnce.Do(func() {
		close(w.closeCh)
		<-w.done
	})
}
