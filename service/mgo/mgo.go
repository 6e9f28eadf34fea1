package mgo

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/quckapp/quckapp-sub001/logger"
	"github.com/quckapp/quckapp-sub001/tools/safe"
)

type Config struct {
	URI      string
	Database string
}

type MongoManager struct {
	mu        sync.RWMutex
	client    *mongo.Client
	database  string
	readyCh   chan struct{} // closed once, on first successful connect
	readyOnce sync.Once

	lastErr atomic.Value // error
}

var globalMgr MongoManager

// StartAsync runs until ctx is done: connect with backoff, then keep the
// connection healthy; a dropped connection goes back to the connect phase.
func StartAsync(ctx context.Context, cfg Config) {
	if globalMgr.readyCh == nil {
		globalMgr.readyCh = make(chan struct{})
	}
	globalMgr.database = cfg.Database

	safe.SafeGo("mgo.manager", func() {
		const (
			baseBackoff = 200 * time.Millisecond
			maxBackoff  = 5 * time.Second
			healthEvery = 10 * time.Second
			failThresh  = 3
		)

		for {
			// connect phase
			attempt := 0
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				cli, err := connect(ctx, cfg.URI)
				if err == nil {
					globalMgr.mu.Lock()
					globalMgr.client = cli
					globalMgr.mu.Unlock()
					globalMgr.readyOnce.Do(func() { close(globalMgr.readyCh) })
					break
				}
				globalMgr.lastErr.Store(err)
				logger.Warnf("[mgo] connect failed attempt=%d err=%v", attempt, err)

				backoff := baseBackoff << attempt
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				jitter := time.Duration(rand.Int63n(int64(backoff/5) + 1))
				timer := time.NewTimer(backoff - jitter/2)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
				if attempt < 6 {
					attempt++
				}
			}

			// health phase
			fail := 0
			t := time.NewTicker(healthEvery)
			healthy := true
			for healthy {
				select {
				case <-ctx.Done():
					t.Stop()
					disconnect()
					return
				case <-t.C:
					globalMgr.mu.RLock()
					c := globalMgr.client
					globalMgr.mu.RUnlock()
					if c == nil {
						healthy = false
						break
					}
					if err := c.Ping(ctx, readpref.Primary()); err != nil {
						fail++
						globalMgr.lastErr.Store(err)
						if fail >= failThresh {
							disconnect()
							healthy = false
						}
					} else {
						fail = 0
					}
				}
			}
			t.Stop()
		}
	})
}

func connect(ctx context.Context, uri string) (*mongo.Client, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cli, err := mongo.Connect(cctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(cctx, readpref.Primary()); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return cli, nil
}

func disconnect() {
	globalMgr.mu.Lock()
	if globalMgr.client != nil {
		_ = globalMgr.client.Disconnect(context.Background())
		globalMgr.client = nil
	}
	globalMgr.mu.Unlock()
}

// Ready is closed on the first successful connect.
func Ready() <-chan struct{} { return globalMgr.readyCh }

func Err() error {
	if v := globalMgr.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func GetDB() *mongo.Database {
	globalMgr.mu.RLock()
	defer globalMgr.mu.RUnlock()
	if globalMgr.client == nil {
		panic("Mongo not ready: wait Ready() or use TryGetDB()")
	}
	return globalMgr.client.Database(globalMgr.database)
}

func TryGetDB() (*mongo.Database, bool) {
	globalMgr.mu.RLock()
	defer globalMgr.mu.RUnlock()
	if globalMgr.client == nil {
		return nil, false
	}
	return globalMgr.client.Database(globalMgr.database), true
}

func WaitReady(ctx context.Context) error {
	globalMgr.mu.RLock()
	readyCh := globalMgr.readyCh
	connected := globalMgr.client != nil
	globalMgr.mu.RUnlock()

	if connected {
		return nil
	}
	if readyCh == nil {
		return fmt.Errorf("mongo manager not started")
	}
	select {
	case <-readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
