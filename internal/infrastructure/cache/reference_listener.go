// Package cache keeps the reference cache in step with the catalog tables
// through PostgreSQL LISTEN/NOTIFY.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"stockledger/internal/core/id"
	"stockledger/internal/domain/reference"
	"stockledger/internal/infrastructure/storage/postgres/reference_repo"
	"stockledger/pkg/logger"
)

// ReferenceChannel is the NOTIFY channel fired by the ref_* table triggers.
const ReferenceChannel = "reference_changed"

// Invalidator drops cached reference entries.
type Invalidator interface {
	Invalidate(kind reference.Kind, refID id.ID)
	Purge()
}

// ReferenceListener evicts cached entries when reference rows change.
// Payloads look like "ref_products:<uuid>".
type ReferenceListener struct {
	pool  *pgxpool.Pool
	cache Invalidator

	lifecycleMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
}

func NewReferenceListener(pool *pgxpool.Pool, cache Invalidator) *ReferenceListener {
	return &ReferenceListener{pool: pool, cache: cache}
}

// Start begins listening in the background.
func (l *ReferenceListener) Start(ctx context.Context) {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()
	if l.started {
		return
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.started = true

	l.wg.Add(1)
	go l.listenLoop()
	logger.Info(l.ctx, "reference listener started")
}

// Stop cancels the listener and waits for it to exit.
func (l *ReferenceListener) Stop() {
	l.lifecycleMu.Lock()
	if !l.started {
		l.lifecycleMu.Unlock()
		return
	}
	cancel := l.cancel
	l.started = false
	l.cancel = nil
	l.lifecycleMu.Unlock()

	cancel()
	l.wg.Wait()
	logger.Info(context.Background(), "reference listener stopped")
}

func (l *ReferenceListener) listenLoop() {
	defer l.wg.Done()

	for l.ctx.Err() == nil {
		conn, err := l.pool.Acquire(l.ctx)
		if err != nil {
			logger.Error(l.ctx, "failed to acquire connection for LISTEN", "error", err)
			l.sleep(time.Second)
			continue
		}

		if _, err = conn.Exec(l.ctx, "LISTEN "+ReferenceChannel); err != nil {
			logger.Error(l.ctx, "failed to LISTEN", "error", err)
			conn.Release()
			l.sleep(time.Second)
			continue
		}

		// Changes made while we were not listening are unknown.
		l.cache.Purge()
		logger.Info(l.ctx, "listening for reference changes", "channel", ReferenceChannel)

		err = l.waitForNotifications(conn)
		conn.Release()
		if err != nil {
			logger.Warn(l.ctx, "reference listener connection lost", "error", err)
			l.sleep(time.Second)
		}
	}
}

func (l *ReferenceListener) waitForNotifications(conn *pgxpool.Conn) error {
	for {
		ctx, cancel := context.WithTimeout(l.ctx, 30*time.Second)
		notification, err := conn.Conn().WaitForNotification(ctx)
		cancel()

		if err != nil {
			if l.ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return err
		}

		logger.Debug(l.ctx, "received notification",
			"channel", notification.Channel,
			"payload", notification.Payload)
		l.handle(notification.Payload)
	}
}

func (l *ReferenceListener) handle(payload string) {
	kind, refID, err := ParsePayload(payload)
	if err != nil {
		logger.Warn(l.ctx, "unparseable reference notification, purging cache", "payload", payload, "error", err)
		l.cache.Purge()
		return
	}
	l.cache.Invalidate(kind, refID)
}

func (l *ReferenceListener) sleep(d time.Duration) {
	select {
	case <-l.ctx.Done():
	case <-time.After(d):
	}
}

// ParsePayload splits "table:id" into a reference kind and id.
func ParsePayload(payload string) (reference.Kind, id.ID, error) {
	table, raw, ok := strings.Cut(payload, ":")
	if !ok {
		return "", id.Nil(), fmt.Errorf("missing separator in %q", payload)
	}
	kind, ok := reference_repo.KindForTable(table)
	if !ok {
		return "", id.Nil(), fmt.Errorf("unknown table %q", table)
	}
	refID, err := id.Parse(raw)
	if err != nil {
		return "", id.Nil(), err
	}
	return kind, refID, nil
}
