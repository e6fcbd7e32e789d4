package internal

import (
	"context"
	mathrand "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gdbrns/whatsapp-session-bridge/internal/backend"
	"github.com/gdbrns/whatsapp-session-bridge/pkg/env"
	"github.com/gdbrns/whatsapp-session-bridge/pkg/log"
	pkgWhatsApp "github.com/gdbrns/whatsapp-session-bridge/pkg/whatsapp"
)

func jitterSleep(max time.Duration) {
	if max <= 0 {
		return
	}
	ms := mathrand.Int64N(max.Milliseconds() + 1)
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

func createWithRetry(ctx context.Context, deviceID string, creds backend.Credentials, retries int, baseBackoff time.Duration, maxBackoff time.Duration) error {
	if baseBackoff <= 0 {
		baseBackoff = 2 * time.Second
	}
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		lastErr = pkgWhatsApp.Bridge().Create(ctx, deviceID, creds)
		if lastErr == nil {
			return nil
		}
		if attempt == retries {
			break
		}

		// Exponential backoff with small jitter.
		backoff := baseBackoff * time.Duration(1<<(attempt-1))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		jitter := time.Duration(mathrand.Int64N(int64(500*time.Millisecond) + 1))
		time.Sleep(backoff + jitter)
	}
	return lastErr
}

// Startup initializes the protocol datastore and restores every registered
// device session so durable credentials survive a process restart.
func Startup() {
	log.Print(nil).Info("Running Startup Tasks")

	ctx := context.Background()

	if err := pkgWhatsApp.Init(ctx); err != nil {
		log.Print(nil).WithError(err).Fatal("Failed to initialize WhatsApp datastore")
	}

	routings, err := pkgWhatsApp.ListRoutings(ctx)
	if err != nil {
		log.Print(nil).WithError(err).Error("Failed to load device routings for restore")
		return
	}
	if len(routings) == 0 {
		return
	}

	maxConcurrent := env.GetEnvIntOrDefault("BRIDGE_STARTUP_RESTORE_CONCURRENCY", 10)
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	jitterMax := env.GetEnvDurationOrDefault("BRIDGE_STARTUP_RESTORE_JITTER_MAX", 5*time.Second)
	retries := env.GetEnvIntOrDefault("BRIDGE_STARTUP_RESTORE_RETRIES", 5)
	baseBackoff := env.GetEnvDurationOrDefault("BRIDGE_STARTUP_RESTORE_BACKOFF_BASE", 2*time.Second)
	maxBackoff := env.GetEnvDurationOrDefault("BRIDGE_STARTUP_RESTORE_BACKOFF_MAX", 30*time.Second)

	var restored, failed int64
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	var wg sync.WaitGroup

	for _, routing := range routings {
		r := routing
		wg.Add(1)
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Done()
			break
		}
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			jitterSleep(jitterMax)
			log.Print(nil).Info("Restoring session for device " + r.DeviceID)

			creds := backend.Credentials{URL: r.BackendURL, Key: r.BackendKey}
			if err := createWithRetry(ctx, r.DeviceID, creds, retries, baseBackoff, maxBackoff); err != nil {
				log.Print(nil).WithError(err).Warn("Failed to restore session for device " + r.DeviceID)
				atomic.AddInt64(&failed, 1)
				return
			}
			atomic.AddInt64(&restored, 1)
		}()
	}

	wg.Wait()
	log.Print(nil).
		WithField("restored", restored).
		WithField("failed", failed).
		WithField("concurrency", maxConcurrent).
		Info("Startup restore pass complete")
}
