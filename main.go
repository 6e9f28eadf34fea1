package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quckapp/quckapp-sub001/global"
	"github.com/quckapp/quckapp-sub001/logger"
	"github.com/quckapp/quckapp-sub001/middleware"
	"github.com/quckapp/quckapp-sub001/module/call"
	"github.com/quckapp/quckapp-sub001/module/chat"
	"github.com/quckapp/quckapp-sub001/module/huddle"
	"github.com/quckapp/quckapp-sub001/module/offline"
	"github.com/quckapp/quckapp-sub001/service/api"
	"github.com/quckapp/quckapp-sub001/service/audit"
	"github.com/quckapp/quckapp-sub001/service/fabric"
	"github.com/quckapp/quckapp-sub001/service/gateway"
	"github.com/quckapp/quckapp-sub001/service/mgo"
	"github.com/quckapp/quckapp-sub001/service/notify"
	"github.com/quckapp/quckapp-sub001/service/presence"
	storeredis "github.com/quckapp/quckapp-sub001/service/storage/redis"
	"github.com/quckapp/quckapp-sub001/tools/ids"
)

func main() {
	conf := global.Load()
	ids.SetNodeID(conf.SnowflakeNode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// collaborators
	if err := storeredis.InitRedis(storeredis.Config{
		Addr:     conf.RedisAddr,
		Password: conf.RedisPassword,
		DB:       conf.RedisDB,
	}); err != nil {
		log.Fatalf("redis init failed: %v", err)
	}
	mgo.StartAsync(ctx, mgo.Config{URI: conf.MongoURI, Database: conf.MongoDatabase})
	waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := mgo.WaitReady(waitCtx); err != nil {
		waitCancel()
		log.Fatalf("mongo not ready: %v", err)
	}
	waitCancel()
	db := mgo.GetDB()
	if err := chat.EnsureIndexes(ctx, db); err != nil {
		log.Fatalf("chat indexes: %v", err)
	}
	if err := offline.EnsureIndexes(ctx, db); err != nil {
		log.Fatalf("offline indexes: %v", err)
	}

	bus, err := fabric.NewNatsBus(fabric.NatsConfig{
		Servers: conf.NatsServers,
		Name:    "realtime-" + conf.GatewayID,
	})
	if err != nil {
		log.Fatalf("nats connect failed: %v", err)
	}
	fab := &fabric.Fabric{Bus: bus, State: fabric.NewRedisState(storeredis.GetRedis())}

	auditBus, err := audit.NewKafkaBus(conf.KafkaBrokers, conf.GatewayID)
	var auditor audit.Publisher = auditBus
	if err != nil {
		logger.Warnf("[main] audit bus unavailable, events dropped err=%v", err)
		auditor = audit.Nop{}
	}

	producer, err := notify.NewSyncProducer(conf.KafkaBrokers)
	var notifier *notify.Dispatcher
	if err != nil {
		logger.Warnf("[main] kafka producer unavailable, notifications dropped err=%v", err)
		notifier = notify.NewDispatcher(nil)
	} else {
		notifier = notify.NewDispatcher(nil, notify.DefaultChannels(producer)...)
	}

	// node core
	conns := gateway.NewConnManager(gateway.ManagerConf{
		UnauthTTL:     conf.UnauthTTL,
		AuthTTL:       conf.AuthTTL,
		SweepEvery:    conf.SweepEvery,
		MaxPerUser:    conf.MaxPerUser,
		SendQueueSize: conf.SendQueueSize,
	}, conf.GatewayID)
	srv := gateway.NewServer(conf, conns, fab, auditor)

	tracker := presence.NewTracker(presence.Config{
		GatewayID: conf.GatewayID,
		ConnTTL:   conf.PresenceTTL,
		Debounce:  conf.PresenceDebounce,
		TypingTTL: conf.TypingTTL,
	}, fab.State, srv)

	queue := offline.NewManager(offline.NewMongoStore(db), offline.Config{
		TTL:        conf.OfflineQueueTTL,
		AckTimeout: conf.OfflineAckTimeout,
		SweepEvery: conf.OfflineSweepEvery,
	}, srv.DeliverQueued)

	router := chat.NewRouter(chat.RouterConfig{
		Store:             chat.NewMongoStore(db),
		Broadcaster:       srv,
		Presence:          tracker,
		Queue:             queue,
		Notifier:          notifier,
		Audit:             auditor,
		PersistHuddleChat: conf.HuddleChatPersist,
	})

	calls := call.NewManager(call.Config{
		RingTimeout:  conf.CallRingTimeout,
		ArchiveAfter: conf.CallArchiveAfter,
	}, srv, tracker, notifier, auditor)

	huddles := huddle.NewManager(huddle.Config{
		Capacity: conf.HuddleCapacity,
	}, srv, auditor)

	srv.Attach(tracker, router, calls, huddles, queue, notifier)
	if err := srv.Start(); err != nil {
		log.Fatalf("fabric subscribe failed: %v", err)
	}

	// HTTP + websocket
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Origin())
	r.GET("/ws", srv.HandleWS)
	api.RegisterRoutes(r, srv, conf)

	go func() {
		logger.Infof("[main] listening addr=%s gateway=%s", conf.HTTPAddr, conf.GatewayID)
		if err := r.Run(conf.HTTPAddr); err != nil {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("[main] shutting down")
	srv.Stop()
	calls.Close()
	huddles.Close()
	tracker.Close()
	queue.Close()
	if auditBus != nil {
		_ = auditBus.Close()
	}
	_ = bus.Close()
	_ = storeredis.CloseRedis()
	cancel()
}
