// Package gateway wires every component into a running node: it owns
// construction from a *config.Config, the foreground loop that pulls
// arrivals off the mailbox and routes them through the decoder, the
// periodic pool/replay/chunk jobs, and interrupt-triggered graceful
// shutdown. The construct-everything-then-run shape, including the
// Mongo/Postgres handle setup, follows the gateway's own NewGateway/
// NewSMSGateway constructors.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mix-remailer/internal/chain"
	"mix-remailer/internal/chunkstore"
	"mix-remailer/internal/config"
	"mix-remailer/internal/decode"
	"mix-remailer/internal/encode"
	"mix-remailer/internal/errs"
	"mix-remailer/internal/logging"
	"mix-remailer/internal/mailbox"
	"mix-remailer/internal/metrics"
	"mix-remailer/internal/packet"
	"mix-remailer/internal/pool"
	"mix-remailer/internal/pubring"
	"mix-remailer/internal/replaylog"
	"mix-remailer/internal/scheduler"
	"mix-remailer/internal/secretstore"
	"mix-remailer/internal/smtpclient"
	"mix-remailer/internal/timing"
)

// Node is a fully wired remailer instance.
type Node struct {
	cfg *config.Config
	log *logrus.Entry
	lm  *logging.Manager

	mongoClient *mongo.Client

	secrets *secretstore.Store
	peers   *pubring.Ring
	chain   *chain.Selector
	replay  *replaylog.Log
	chunks  *chunkstore.Store
	decoder *decode.Decoder
	encoder *encode.Encoder
	pool    *pool.Pool
	smtp    *smtpclient.Client
	watcher *mailbox.Watcher

	collector *metrics.Collector
	exporter  *metrics.Exporter
	sched     *scheduler.Scheduler
}

// New constructs every component from cfg and wires them together. It does
// not start any background loop; call Run for that. replay is opened by
// the caller (cmd/mixremailer) since it is a fatal-on-failure dependency
// the process should refuse to start without.
func New(cfg *config.Config, log *logrus.Entry, lm *logging.Manager, replay *replaylog.Log, openChunkCollection func() (*mongo.Collection, *mongo.Client, error)) (*Node, error) {
	secrets, err := secretstore.New(cfg.Keys.Secring, log)
	if err != nil {
		return nil, errs.New(errs.StoreMissing, fmt.Errorf("gateway: loading secret keyring: %w", err))
	}
	peers, err := pubring.New(cfg.Keys.Pubring, log)
	if err != nil {
		return nil, errs.New(errs.PubringMalformed, fmt.Errorf("gateway: loading public keyring: %w", err))
	}

	collection, mongoClient, err := openChunkCollection()
	if err != nil {
		return nil, errs.New(errs.StoreMissing, fmt.Errorf("gateway: connecting chunk store: %w", err))
	}
	chunks := chunkstore.New(collection, cfg.Chunk.Timeout.Duration)
	if err := chunks.EnsureIndexes(context.Background()); err != nil {
		return nil, errs.New(errs.StoreMissing, fmt.Errorf("gateway: indexing chunk store: %w", err))
	}

	selector := chain.New(peers)
	window := timing.Window{MaxAge: cfg.Replay.Window.Duration, SkewTolerance: timing.DefaultWindow().SkewTolerance}
	decoder := decode.New(secrets, replay, chunks, peers, window, cfg.General.Deny, log)
	enc := encode.New(selector, peers)

	sender := smtpclient.New(smtpclient.Config{
		Server: cfg.Mail.Server,
		From:   cfg.Mail.Address,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
	})

	p := pool.New(pool.Config{
		Dir:           cfg.Paths.Pool,
		SizeThreshold: cfg.Pool.Size,
		RatePercent:   cfg.Pool.Rate,
		Interval:      cfg.Pool.Interval.Duration,
		OutdummyPct:   cfg.Pool.Outdummy,
	}, sender, dummyAdapter{enc}, lm, log)

	watcher, err := mailbox.NewWatcher(cfg.Paths.Maildir, cfg.General.DecodeWorkers, log)
	if err != nil {
		return nil, fmt.Errorf("gateway: watching maildir: %w", err)
	}

	n := &Node{
		cfg:         cfg,
		log:         log,
		lm:          lm,
		mongoClient: mongoClient,
		secrets:     secrets,
		peers:       peers,
		chain:       selector,
		replay:      replay,
		chunks:      chunks,
		decoder:     decoder,
		encoder:     enc,
		pool:        p,
		smtp:        sender,
		watcher:     watcher,
	}

	n.collector = metrics.NewCollector(cfg.General.Version, n)
	if err := metrics.Register(n.collector); err != nil {
		return nil, fmt.Errorf("gateway: registering metrics: %w", err)
	}
	n.pool.SetCollector(n.collector)
	n.exporter = &metrics.Exporter{Path: "/metrics", Listen: cfg.Metrics.ListenAddr}
	n.sched = scheduler.New(log)

	if err := n.sched.Register(scheduler.Job{
		Name:     "pool-tick",
		Schedule: scheduler.Every(cfg.Pool.Interval.Duration.String()),
		Run:      n.pool.Tick,
	}); err != nil {
		return nil, err
	}
	if err := n.sched.Register(scheduler.Job{
		Name:     "replay-prune",
		Schedule: scheduler.Every(cfg.Replay.PruneInterval.Duration.String()),
		Run: func(ctx context.Context) error {
			pruned, err := n.replay.Prune(ctx)
			if err != nil {
				return err
			}
			if pruned > 0 {
				n.log.WithField("count", pruned).Info("gateway: pruned expired replay entries")
			}
			return nil
		},
	}); err != nil {
		return nil, err
	}
	if err := n.sched.Register(scheduler.Job{
		Name:     "chunk-sweep",
		Schedule: scheduler.Every(cfg.Chunk.SweepInterval.Duration.String()),
		Run: func(ctx context.Context) error {
			swept, err := n.chunks.Sweep(ctx)
			if err != nil {
				return err
			}
			if swept > 0 {
				n.collector.ChunksTimedOut.Add(float64(swept))
				n.log.WithField("count", swept).Info("gateway: swept timed-out chunk sets")
			}
			return nil
		},
	}); err != nil {
		return nil, err
	}

	return n, nil
}

// dummyAdapter satisfies pool.Dummier over an *encode.Encoder: the two
// packages each define their own Email type (To/Body), so a thin adapter
// converts between them rather than having pool import encode or vice versa.
type dummyAdapter struct {
	enc *encode.Encoder
}

func (d dummyAdapter) Dummy() (pool.Email, error) {
	email, err := d.enc.Dummy()
	if err != nil {
		return pool.Email{}, err
	}
	return pool.Email{To: email.To, Body: email.Body}, nil
}

// Snapshot satisfies metrics.StatsProvider.
func (n *Node) Snapshot() metrics.Snapshot {
	snap := metrics.Snapshot{}
	if size, err := n.pool.Size(); err == nil {
		snap.PoolSize = size
	}
	if size, err := n.replay.Size(context.Background()); err == nil {
		snap.ReplayLogSize = int(size)
	}
	if count, err := n.chunks.OpenSetCount(context.Background()); err == nil {
		snap.PendingChunks = count
	}
	return snap
}

// Run blocks, processing mailbox arrivals and driving the scheduler, until
// ctx is canceled. It finishes any packet already in the handler before
// returning, so a shutdown never observes a packet half-processed.
func (n *Node) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		errCh <- n.exporter.Start(ctx)
	}()
	go func() {
		n.sched.Start(ctx)
		errCh <- nil
	}()
	go func() {
		errCh <- n.watcher.Run(ctx, n.handleMessage)
	}()

	<-ctx.Done()
	n.log.Info("gateway: shutdown requested, draining in-flight work")

	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil {
			n.log.WithError(err).Warn("gateway: component stopped with an error")
		}
	}
	return n.close()
}

func (n *Node) close() error {
	if err := n.replay.Close(); err != nil {
		n.log.WithError(err).Warn("gateway: failed to close replay log")
	}
	if n.mongoClient != nil {
		if err := n.mongoClient.Disconnect(context.Background()); err != nil {
			n.log.WithError(err).Warn("gateway: failed to disconnect chunk store")
		}
	}
	n.lm.Close()
	return nil
}

// handleMessage runs one arrived message through the decode pipeline and
// routes the result. Every per-packet error is caught here: the offending
// file is dropped and a counter incremented, and the daemon continues —
// the policy is never to let one malformed or hostile arrival stall
// the mailbox.
func (n *Node) handleMessage(ctx context.Context, msg mailbox.Message) error {
	defer func() {
		if err := n.watcher.Store().Remove(msg.Path); err != nil {
			n.log.WithError(err).WithField("file", msg.Path).Warn("gateway: failed to remove processed message")
		}
	}()

	pkt, err := decode.EmailToPacket(msg.Raw)
	if err != nil {
		n.rejectPacket(err, "")
		return nil
	}

	dec, err := n.decoder.Decrypt(ctx, pkt)
	if err != nil {
		n.rejectPacket(err, "")
		return nil
	}

	result, err := n.decoder.ClassifyAndRoute(ctx, dec)
	if err != nil {
		n.rejectPacket(err, fmt.Sprintf("%x", dec.Inner.PacketID))
		return nil
	}

	packetID := fmt.Sprintf("%x", dec.Inner.PacketID)
	if result.Reassembled {
		n.collector.ChunksReassembled.Inc()
	}
	switch result.Kind {
	case decode.ResultForward:
		n.collector.PacketsForwarded.WithLabelValues("intermediate").Inc()
		n.lm.Send(n.lm.Build("packet", "ForwardSent", logrus.InfoLevel, logrus.Fields{"packet_id": packetID}, packetID, result.NextHopEmail))
		return n.pool.Deposit(pool.Email{To: result.NextHopEmail, Body: encode.Armor(result.ForwardPacket)})

	case decode.ResultDeliver:
		n.collector.PacketsForwarded.WithLabelValues("final").Inc()
		n.lm.Send(n.lm.Build("packet", "FinalDelivered", logrus.InfoLevel, logrus.Fields{"packet_id": packetID}, packetID))
		return n.deliver(ctx, result)

	case decode.ResultChunkPending:
		n.collector.PacketsForwarded.WithLabelValues("chunk").Inc()
		return nil

	case decode.ResultBlocked:
		n.collector.PacketsDropped.WithLabelValues("destination_blocked").Inc()
		return n.rerouteBlocked(result)

	default:
		return nil
	}
}

func (n *Node) rejectPacket(err error, packetID string) {
	fields := logrus.Fields{}
	if packetID != "" {
		fields["packet_id"] = packetID
	}
	kind, ok := errs.Of(err)
	if !ok {
		n.collector.PacketsDropped.WithLabelValues("unclassified").Inc()
		n.lm.Send(n.lm.Build("packet", "PacketRejected", logrus.WarnLevel, fields, packetID, err.Error()))
		return
	}

	n.collector.PacketsDropped.WithLabelValues(string(kind)).Inc()
	level := logrus.WarnLevel
	if kind.Silent() {
		level = logrus.DebugLevel
	}
	switch kind {
	case errs.Replay:
		n.lm.Send(n.lm.Build("packet", "ReplayDetected", level, fields, packetID))
	case errs.Stale:
		n.lm.Send(n.lm.Build("packet", "StaleTimestamp", level, fields, packetID))
	case errs.DummyDrop:
		n.lm.Send(n.lm.Build("packet", "DummyDropped", level, fields, packetID))
	case errs.AuthFailure:
		n.lm.Send(n.lm.Build("packet", "DecryptFailure", level, fields, packetID, err.Error()))
	default:
		n.lm.Send(n.lm.Build("packet", "PacketRejected", level, fields, packetID, err.Error()))
	}
}

// deliver hands a final payload to SMTP directly, bypassing the pool: only
// next-hop packets are batched through the pool for cover traffic, per the
// decode → {Pool | SMTP | chunk store} split. A transient SMTP failure is
// given one retry path by depositing it into the pool for the next tick
// rather than being dropped outright, since final deliveries have no queue
// of their own to retry from.
func (n *Node) deliver(ctx context.Context, result decode.Result) error {
	body := buildDeliverable(n.cfg, result)
	for _, to := range result.Recipients {
		err := n.smtp.Send(ctx, pool.Email{To: to, Body: body})
		if err == nil {
			continue
		}
		fields := logrus.Fields{"to": to}
		kind, ok := errs.Of(err)
		switch {
		case ok && kind == errs.SMTPTransient:
			n.lm.Send(n.lm.Build("delivery", "SMTPTransientFailure", logrus.WarnLevel, fields, to, err.Error()))
			if derr := n.pool.Deposit(pool.Email{To: to, Body: body}); derr != nil {
				return derr
			}
		case ok && kind == errs.SMTPFatal:
			n.lm.Send(n.lm.Build("delivery", "SMTPFatalFailure", logrus.WarnLevel, fields, to, err.Error()))
		default:
			n.lm.Send(n.lm.Build("delivery", "SMTPConnectionFailure", logrus.WarnLevel, fields, err.Error()))
		}
	}
	return nil
}

// rerouteBlocked re-encodes a final delivery whose recipients matched the
// deny list through the random-hop path instead of delivering it directly.
func (n *Node) rerouteBlocked(result decode.Result) error {
	payload := packet.FinalPayload{
		Recipients:  result.Recipients,
		HeaderLines: result.HeaderLines,
		Body:        result.Body,
	}
	encoded, err := payload.Encode()
	if err != nil {
		return fmt.Errorf("gateway: re-encoding blocked destination: %w", err)
	}
	email, err := n.encoder.RandomHop(encoded)
	if err != nil {
		return fmt.Errorf("gateway: random-hop for blocked destination: %w", err)
	}
	return n.pool.Deposit(pool.Email{To: email.To, Body: email.Body})
}

// SubmitLocal encodes locally originated plaintext through the random-hop
// path and stages it in the pool, enforcing general.klen as the maximum
// accepted plaintext size.
func (n *Node) SubmitLocal(recipients []string, headerLines []string, body []byte) error {
	maxBytes := n.cfg.General.Klen * 1024
	if maxBytes > 0 && len(body) > maxBytes {
		return fmt.Errorf("gateway: submission of %d bytes exceeds general.klen limit of %d bytes", len(body), maxBytes)
	}
	payload := packet.FinalPayload{Recipients: recipients, HeaderLines: headerLines, Body: body}
	encoded, err := payload.Encode()
	if err != nil {
		return fmt.Errorf("gateway: encoding local submission: %w", err)
	}
	email, err := n.encoder.RandomHop(encoded)
	if err != nil {
		return fmt.Errorf("gateway: random-hop for local submission: %w", err)
	}
	return n.pool.Deposit(pool.Email{To: email.To, Body: email.Body})
}

// buildDeliverable assembles the rfc822 message handed to SMTP for a final
// delivery: the core adds Message-ID, Date, and From before hand-off, as
// the outbound contract requires.
func buildDeliverable(cfg *config.Config, result decode.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\n", randomMessageID(), addressDomain(cfg.Mail.Address))
	fmt.Fprintf(&b, "Date: %s\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s <%s>\n", cfg.General.Version, cfg.Mail.Address)
	for _, h := range result.HeaderLines {
		b.WriteString(h)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.Write(result.Body)
	return b.String()
}

func addressDomain(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return addr
}

func randomMessageID() string {
	return uuid.New().String()
}

// OpenMongoChunkCollection is the default openChunkCollection implementation
// for New, connecting to cfg.Storage.ChunkMongoURI.
func OpenMongoChunkCollection(cfg *config.Config) func() (*mongo.Collection, *mongo.Client, error) {
	return func() (*mongo.Collection, *mongo.Client, error) {
		client, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.Storage.ChunkMongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("gateway: connecting to mongo: %w", err)
		}
		collection := client.Database(chunkstore.DatabaseName).Collection(chunkstore.CollectionName)
		return collection, client, nil
	}
}
