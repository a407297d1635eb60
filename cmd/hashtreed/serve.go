package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mmalmi/hashtree-go/internal/logging"
	"github.com/mmalmi/hashtree-go/pkg/exchange"
	"github.com/mmalmi/hashtree-go/pkg/resolver"
	"github.com/mmalmi/hashtree-go/pkg/resolver/nostradapter"
	"github.com/mmalmi/hashtree-go/pkg/store"
	"github.com/mmalmi/hashtree-go/pkg/transport"
	"github.com/mmalmi/hashtree-go/pkg/tree"
)

// rootTreeName is the "d" tag discriminator this daemon publishes its own
// root directory under. A single fixed name is enough for one daemon
// identity; multiple named trees are an application-layer concern built on
// top of Publish/Resolve/Subscribe.
const rootTreeName = "root"

var privateKeyHexFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hashtree daemon: local block store, WebRTC exchange, pointer-event resolver",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&privateKeyHexFlag, "privkey", "", "hex-encoded nostr private key for this node's identity (required)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	log := logging.NewLogrus(cfg.Logging.Level, cfg.Logging.File)
	acct := logging.NewAccounting(cfg.Logging.Level)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	blockStore, err := store.New(cfg.Hashtree.StoreDir, cfg.Hashtree.GCSoftCapBytes, log,
		store.WithAccountingLogger(acct))
	if err != nil {
		return err
	}

	fileTree := tree.New(blockStore, cfg.Hashtree.ChunkThreshold, cfg.Hashtree.ChunkSize)

	metrics := exchange.NewMetrics(reg)
	ex := exchange.New(blockStore, log.WithField("component", "exchange"),
		exchange.WithInflightLimit(cfg.Hashtree.PeerInflightLimit),
		exchange.WithRequestTimeout(cfg.PeerRequestTimeout()),
		exchange.WithMetrics(metrics),
		exchange.WithAccountingLogger(acct),
	)

	transportMgr := transport.NewManager(transport.Config{
		QueueMaxItems: cfg.Hashtree.PeerQueueMaxItems,
		QueueMaxBytes: cfg.Hashtree.PeerQueueMaxBytes,
	}, log.WithField("component", "transport"))

	if privateKeyHexFlag == "" {
		privateKeyHexFlag = nostr.GeneratePrivateKey()
		log.WithField("privkey", privateKeyHexFlag).Warn("no --privkey given, generated an ephemeral identity for this run")
	}
	signer, err := nostradapter.NewSigner(privateKeyHexFlag)
	if err != nil {
		return err
	}

	pool := nostr.NewSimplePool(context.Background())
	publisher := nostradapter.NewPublisher(pool, cfg.Network.Relays)
	subscriber := nostradapter.NewSubscriber(pool, cfg.Network.Relays)

	res := resolver.New(signer, publisher, subscriber, cfg.PublishThrottle(), log.WithField("component", "resolver"),
		resolver.WithVerifier(nostradapter.Verifier{}))

	rootKey := resolver.TreeKey{Signer: signer.PubKey(), Name: rootTreeName}
	ctx := context.Background()
	rootCID, err := fileTree.NewRootDir(ctx, nil, nil)
	if err != nil {
		return err
	}
	if err := res.Publish(ctx, rootKey, rootCID, resolver.PublishOptions{Visibility: resolver.Public}); err != nil {
		log.WithError(err).Warn("failed to publish initial root directory")
	}

	rootSub, err := res.Subscribe(ctx, rootKey, func(entry resolver.CacheEntry) {
		log.WithField("has_root", entry.HasRoot).Info("root tree updated by a remote publish")
	})
	if err != nil {
		log.WithError(err).Warn("failed to subscribe to own root tree")
	} else {
		defer rootSub.Close()
	}

	for _, addr := range cfg.Network.BootstrapPeers {
		peer, offerSDP, err := transportMgr.Offer(addr)
		if err != nil {
			log.WithError(err).WithField("peer", addr).Warn("failed to create offer for bootstrap peer")
			continue
		}
		log.WithFields(map[string]interface{}{"peer": addr, "offer_sdp_bytes": len(offerSDP)}).
			Info("created WebRTC offer for bootstrap peer; relay it out-of-band to complete signaling")
		ex.AddPeer(peer)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Network.MetricsAddr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	log.WithFields(map[string]interface{}{
		"metrics_addr": cfg.Network.MetricsAddr,
		"store_dir":    cfg.Hashtree.StoreDir,
		"pubkey":       signer.PubKey(),
	}).Info("hashtreed started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
