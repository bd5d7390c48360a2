package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/sarpbilgic/donate-now/internal/config"
	"github.com/sarpbilgic/donate-now/internal/donation"
	"github.com/sarpbilgic/donate-now/internal/gateway"
	"github.com/sarpbilgic/donate-now/internal/httpapi"
	"github.com/sarpbilgic/donate-now/internal/notification"
	"github.com/sarpbilgic/donate-now/internal/payment"
	"github.com/sarpbilgic/donate-now/internal/storage"
	"github.com/sarpbilgic/donate-now/internal/storage/dynamo"
	"github.com/sarpbilgic/donate-now/internal/telemetry"
	"github.com/sarpbilgic/donate-now/internal/websocket"
	"github.com/sarpbilgic/donate-now/pkg/contracts"
	"github.com/sarpbilgic/donate-now/pkg/messaging"
)

// ledger is what both the API and the payment worker need from a backend.
type ledger interface {
	donation.Repository
	payment.Ledger
}

type runner struct {
	name string
	run  func(context.Context) error
}

// App holds one process of the pipeline. Everything is built in New; Run
// starts the long-running loops and Close releases connections in reverse
// order of creation.
type App struct {
	cfg     config.Config
	role    config.Role
	logger  *slog.Logger
	httpSrv *http.Server
	runners []runner
	closers []func()
}

func New(ctx context.Context, cfg config.Config, role config.Role, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, role: role, logger: logger}

	var err error
	switch role {
	case config.RoleAPI:
		err = a.buildAPI(ctx)
	case config.RolePaymentWorker:
		err = a.buildPaymentWorker(ctx)
	case config.RoleNotificationWorker:
		err = a.buildNotificationWorker(ctx)
	default:
		err = fmt.Errorf("unknown role %q", role)
	}
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *App) paymentEventsQueue() messaging.QueueSpec {
	return messaging.QueueSpec{
		Exchange:      a.cfg.PaymentEventsExchange,
		Queue:         a.cfg.PaymentEventsQueue,
		MaxDeliveries: a.cfg.QueueMaxDeliveries,
	}
}

func (a *App) notificationsQueue() messaging.QueueSpec {
	return messaging.QueueSpec{
		Exchange:      a.cfg.NotificationsExchange,
		Queue:         a.cfg.NotificationsQueue,
		MaxDeliveries: a.cfg.QueueMaxDeliveries,
	}
}

func (a *App) loadAWS(ctx context.Context) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.cfg.AWSRegion))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// backend is a connected ledger plus what the process needs around it: a
// cheap reachability check and, when the ledger was given a publisher, the
// loop that drains its outbox.
type backend struct {
	ledger
	ping   func(context.Context) error
	outbox *runner
}

// openLedger connects the configured backend. publisher receives the
// messages a unit of work enqueues; it may be nil for processes that only
// read and create donations.
func (a *App) openLedger(ctx context.Context, publisher messaging.Publisher) (backend, error) {
	switch a.cfg.LedgerBackend {
	case config.LedgerPostgres:
		store, err := storage.New(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return backend{}, err
		}
		a.onClose(store.Close)
		return a.postgresBackend(store, publisher), nil
	case config.LedgerDynamoDB:
		awsCfg, err := a.loadAWS(ctx)
		if err != nil {
			return backend{}, err
		}
		return a.dynamoBackend(dynamo.NewLedger(dynamodb.NewFromConfig(awsCfg), a.cfg.DynamoTable, publisher), publisher), nil
	default:
		return backend{}, fmt.Errorf("unknown ledger backend %q", a.cfg.LedgerBackend)
	}
}

func (a *App) postgresBackend(store *storage.Store, publisher messaging.Publisher) backend {
	b := backend{ledger: store, ping: store.Ping}
	if publisher != nil {
		outbox := messaging.NewOutboxDispatcher(store.Pool(), publisher, storage.OutboxTable, a.cfg.OutboxInterval, a.cfg.OutboxBatch, a.logger)
		b.outbox = &runner{"outbox dispatcher", outbox.Run}
	}
	return b
}

func (a *App) dynamoBackend(l *dynamo.Ledger, publisher messaging.Publisher) backend {
	b := backend{ledger: l, ping: l.Ping}
	if publisher != nil {
		b.outbox = &runner{"dynamodb outbox", func(ctx context.Context) error {
			return l.RunOutbox(ctx, a.cfg.OutboxInterval, a.cfg.OutboxBatch, a.logger)
		}}
	}
	return b
}

// consume runs c until ctx is done, settling each delivery with handle.
func (a *App) consume(name string, c *messaging.Consumer, handle func(context.Context, []byte) error) runner {
	return runner{name, func(ctx context.Context) error {
		a.logger.Info("consuming", "consumer", name, "queue", c.Queue())
		return c.Start(ctx, messaging.Settle(handle, a.logger))
	}}
}

func (a *App) buildAPI(ctx context.Context) error {
	l, err := a.openLedger(ctx, nil)
	if err != nil {
		return err
	}

	publisher, err := messaging.NewRabbitPublisher(a.cfg.RabbitURL, a.cfg.PaymentEventsExchange, a.paymentEventsQueue())
	if err != nil {
		return err
	}
	a.onClose(func() { _ = publisher.Close() })

	statusConsumer, err := messaging.NewRabbitConsumer(a.cfg.RabbitURL, messaging.QueueSpec{
		Exchange:  a.cfg.StatusExchange,
		Exclusive: true,
	}, a.cfg.ConsumerPrefetch, a.logger)
	if err != nil {
		return err
	}
	a.onClose(func() { _ = statusConsumer.Close() })

	donations := donation.NewService(l, gateway.NewStripe(a.cfg.Stripe.SecretKey, nil), a.cfg.Stripe.Currency, a.logger)
	ingress := payment.NewIngress(
		payment.NewVerifier(a.cfg.Stripe.WebhookSecret, a.cfg.Stripe.WebhookTolerance),
		payment.NewRelay(publisher, a.cfg.PaymentEventsExchange),
		a.logger,
	)

	hub := websocket.NewHub()
	wsHandler := websocket.NewHandler(hub, donations, a.logger)

	api := httpapi.NewServer(donations, a.logger)
	api.RegisterWebhook("stripe", "Stripe-Signature", ingress)
	api.Handle("GET /donations/{donationID}/ws", http.HandlerFunc(wsHandler.ServeWS))
	api.AddCheck("ledger", l.ping)

	a.httpSrv = &http.Server{
		Addr:    a.cfg.HTTPAddr,
		Handler: api,
	}

	a.runners = append(a.runners,
		runner{"websocket hub", func(ctx context.Context) error {
			hub.Run(ctx)
			return nil
		}},
		a.consume("status consumer", statusConsumer, hub.HandleStatusChanged),
		runner{"http server", func(context.Context) error {
			a.logger.Info("donations http server listening", "addr", a.cfg.HTTPAddr)
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}},
	)
	return nil
}

func (a *App) buildPaymentWorker(ctx context.Context) error {
	notifications, err := messaging.NewRabbitPublisher(a.cfg.RabbitURL, a.cfg.NotificationsExchange, a.notificationsQueue())
	if err != nil {
		return err
	}
	a.onClose(func() { _ = notifications.Close() })

	status, err := messaging.NewRabbitPublisher(a.cfg.RabbitURL, a.cfg.StatusExchange)
	if err != nil {
		return err
	}
	a.onClose(func() { _ = status.Close() })

	router := messaging.NewRouter(map[string]messaging.Publisher{
		contracts.TypeNotificationJob:       notifications,
		contracts.TypeDonationStatusChanged: status,
	})

	l, err := a.openLedger(ctx, router)
	if err != nil {
		return err
	}

	consumer, err := messaging.NewRabbitConsumer(a.cfg.RabbitURL, a.paymentEventsQueue(), a.cfg.ConsumerPrefetch, a.logger)
	if err != nil {
		return err
	}
	a.onClose(func() { _ = consumer.Close() })

	processor := payment.NewProcessor(l, a.logger)
	a.runners = append(a.runners,
		a.consume("payment events consumer", consumer, settlePayment(processor.Handle)),
		*l.outbox,
	)
	return nil
}

// settlePayment dead-letters events that redelivery cannot fix: a body that
// does not decode and a donation the ledger has never seen.
func settlePayment(handle func(context.Context, []byte) error) func(context.Context, []byte) error {
	return func(ctx context.Context, body []byte) error {
		err := handle(ctx, body)
		if errors.Is(err, payment.ErrMalformedEvent) || errors.Is(err, donation.ErrNotFound) {
			return messaging.Reject(err)
		}
		return err
	}
}

func (a *App) buildNotificationWorker(ctx context.Context) error {
	var sender notification.Sender
	switch a.cfg.Email.Transport {
	case config.EmailSES:
		awsCfg, err := a.loadAWS(ctx)
		if err != nil {
			return err
		}
		sender = notification.NewSESSender(sesv2.NewFromConfig(awsCfg), a.cfg.Email.From)
	case config.EmailSMTP:
		sender = notification.NewSMTPSender(notification.SMTPConfig{
			Host:     a.cfg.Email.SMTPHost,
			Port:     a.cfg.Email.SMTPPort,
			Username: a.cfg.Email.SMTPUsername,
			Password: a.cfg.Email.SMTPPassword,
			From:     a.cfg.Email.From,
		})
	default:
		return fmt.Errorf("unknown email transport %q", a.cfg.Email.Transport)
	}

	consumer, err := messaging.NewRabbitConsumer(a.cfg.RabbitURL, a.notificationsQueue(), a.cfg.ConsumerPrefetch, a.logger)
	if err != nil {
		return err
	}
	a.onClose(func() { _ = consumer.Close() })

	dispatcher := notification.NewDispatcher(sender, a.logger)
	a.runners = append(a.runners, a.consume("notification consumer", consumer, dispatcher.Handle))
	return nil
}

// Run blocks until ctx is done or one of the loops fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(a.runners))
	for _, r := range a.runners {
		go func() {
			if err := r.run(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", r.name, err)
			}
		}()
	}

	a.logger.Info("started", "role", a.role, "ledger", a.cfg.LedgerBackend)
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) Close(ctx context.Context) {
	if a.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGracePeriod)
		defer cancel()
		_ = a.httpSrv.Shutdown(shutdownCtx)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// Run loads configuration and runs the given role until SIGINT or SIGTERM.
func Run(role config.Role) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(role); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg).With("service", string(role))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, string(role), cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", "err", err)
		}
	}()

	app, err := New(ctx, cfg, role, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close(ctx)

	return app.Run(ctx)
}
