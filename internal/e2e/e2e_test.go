// Package e2e drives the full billing stack over HTTP: real services, real
// sqlite database, mockpay gateway, in-process webhook receiver. Only the
// clock is fake.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	catalogdomain "github.com/smallbiznis/meterline/internal/catalog/domain"
	catalogservice "github.com/smallbiznis/meterline/internal/catalog/service"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	invoicedomain "github.com/smallbiznis/meterline/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/meterline/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/meterline/internal/invoice/service"
	outboxdomain "github.com/smallbiznis/meterline/internal/outbox/domain"
	outboxrepo "github.com/smallbiznis/meterline/internal/outbox/repository"
	outboxservice "github.com/smallbiznis/meterline/internal/outbox/service"
	paymentdomain "github.com/smallbiznis/meterline/internal/payment/domain"
	"github.com/smallbiznis/meterline/internal/payment/providers"
	"github.com/smallbiznis/meterline/internal/payment/providers/mockpay"
	paymentservice "github.com/smallbiznis/meterline/internal/payment/service"
	"github.com/smallbiznis/meterline/internal/scheduler"
	"github.com/smallbiznis/meterline/internal/seed"
	"github.com/smallbiznis/meterline/internal/server"
	subscriptiondomain "github.com/smallbiznis/meterline/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/meterline/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/meterline/internal/subscription/service"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	usagerepo "github.com/smallbiznis/meterline/internal/usage/repository"
	usageservice "github.com/smallbiznis/meterline/internal/usage/service"
	webhookdomain "github.com/smallbiznis/meterline/internal/webhook/domain"
	webhookrepo "github.com/smallbiznis/meterline/internal/webhook/repository"
	webhookservice "github.com/smallbiznis/meterline/internal/webhook/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type env struct {
	db        *gorm.DB
	node      *snowflake.Node
	clock     *clock.FakeClock
	scheduler *scheduler.Scheduler
	relay     outboxdomain.Relay
	api       *httptest.Server
	userID    snowflake.ID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// Every pooled connection to a plain ":memory:" DSN is a distinct empty
	// database; a shared-cache named DSN makes the pool share one database.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	err = db.AutoMigrate(
		&catalogdomain.Feature{},
		&catalogdomain.Plan{},
		&catalogdomain.PlanFeature{},
		&catalogdomain.PlanPrice{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.SubscriptionItem{},
		&subscriptiondomain.SubscriptionChangeLog{},
		&usagedomain.UsageRecord{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&invoicedomain.InvoicePaymentAttempt{},
		&outboxdomain.Message{},
		&webhookdomain.Endpoint{},
		&webhookdomain.Delivery{},
	)
	if err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	if err := seed.EnsureDemoCatalog(db); err != nil {
		t.Fatalf("failed to seed catalog: %v", err)
	}

	node, _ := snowflake.NewNode(1)
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	nop := zap.NewNop()
	cfg := config.Config{
		HTTPAddr:          ":0",
		SchedulerInterval: time.Minute,
		WebhookTimeout:    5 * time.Second,
	}
	billing := config.NewStaticBillingConfigHolder(config.BillingConfig{
		TaxRate:                "0.18",
		MaxRenewalAttempts:     3,
		DefaultPaymentProvider: "mockpay",
		OutboxBatchSize:        50,
		WebhookMaxRetries:      5,
	})

	subRepo := subscriptionrepo.NewRepository(subscriptionrepo.Param{DB: db})
	invRepo := invoicerepo.NewRepository(invoicerepo.Param{DB: db})

	catalogSvc := catalogservice.NewService(catalogservice.ServiceParam{
		DB: db, Log: nop, Clock: fake,
	})

	webhookResult := webhookservice.NewService(webhookservice.Param{
		DB: db, Log: nop, Node: node, Cfg: cfg, Clock: fake, Billing: billing,
		Repo: webhookrepo.NewRepository(webhookrepo.Param{DB: db}),
	})

	outboxResult := outboxservice.NewService(outboxservice.Param{
		DB: db, Log: nop, Node: node, Clock: fake, Billing: billing,
		Repo:       outboxrepo.NewRepository(outboxrepo.Param{DB: db}),
		Dispatcher: webhookResult.Dispatcher,
	})

	invoiceSvc := invoiceservice.NewService(invoiceservice.Param{
		DB: db, Log: nop, Node: node, Clock: fake, Billing: billing,
		Repo: invRepo, Outbox: outboxResult.Enqueuer,
	})

	subscriptionSvc := subscriptionservice.NewService(subscriptionservice.Param{
		DB: db, Log: nop, Node: node, Clock: fake, Billing: billing,
		Repo: subRepo, Catalog: catalogSvc, Invoice: invoiceSvc,
		Outbox: outboxResult.Enqueuer,
	})

	usageSvc := usageservice.NewService(usageservice.Param{
		DB: db, Log: nop, Node: node, Clock: fake,
		Repo: usagerepo.NewRepository(usagerepo.Param{DB: db}),
		Subs: subRepo, Catalog: catalogSvc, Outbox: outboxResult.Enqueuer,
	})

	registry, err := providers.NewRegistry(providers.RegistryParam{
		Providers: []paymentdomain.Provider{mockpay.NewAdapter()},
	})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	paymentSvc := paymentservice.NewService(paymentservice.Param{
		DB: db, Log: nop, Node: node, Clock: fake, Billing: billing,
		Invoices: invRepo, Registry: registry, Outbox: outboxResult.Enqueuer,
	})

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(server.CorrelationMiddleware())
	engine.Use(server.ErrorHandlingMiddleware())
	server.NewServer(server.ServerParams{
		Gin: engine, Cfg: cfg, Log: nop,
		CatalogSvc:      catalogSvc,
		SubscriptionSvc: subscriptionSvc,
		UsageSvc:        usageSvc,
		InvoiceSvc:      invoiceSvc,
		PaymentSvc:      paymentSvc,
		WebhookSvc:      webhookResult.Service,
	})

	e := &env{
		db:     db,
		node:   node,
		clock:  fake,
		relay:  outboxResult.Relay,
		userID: node.Generate(),
	}
	e.scheduler = scheduler.New(scheduler.Param{
		DB: db, Log: nop, Cfg: cfg, Clock: fake,
		Subs: subRepo, Svc: subscriptionSvc, Payments: paymentSvc,
	})
	e.api = httptest.NewServer(engine)
	t.Cleanup(e.api.Close)
	return e
}

// call sends one authenticated request and decodes the JSON answer into out.
func (e *env) call(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, e.api.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-App-ID", seed.DemoAppID.String())
	req.Header.Set("X-User-ID", e.userID.String())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode
}

func (e *env) planID(t *testing.T, name string) snowflake.ID {
	t.Helper()
	var plan catalogdomain.Plan
	err := e.db.Where("app_id = ? AND name = ?", seed.DemoAppID, name).First(&plan).Error
	if err != nil {
		t.Fatalf("plan %s not seeded: %v", name, err)
	}
	return plan.ID
}

type errorBody struct {
	Error struct {
		Type       string `json:"type"`
		Message    string `json:"message"`
		FeatureKey string `json:"feature_key"`
		Remaining  *int64 `json:"remaining"`
	} `json:"error"`
}

func TestBillingJourney(t *testing.T) {
	e := newEnv(t)
	planID := e.planID(t, "starter")

	// Subscribe to the starter plan.
	var sub subscriptiondomain.Subscription
	status := e.call(t, http.MethodPost, "/v1/subscriptions", map[string]any{
		"user_id": e.userID.String(),
		"plan_id": planID.String(),
	}, &sub)
	if status != http.StatusCreated {
		t.Fatalf("start subscription: status %d", status)
	}
	if sub.Status != subscriptiondomain.SubscriptionStatusActive {
		t.Fatalf("subscription status = %s, want ACTIVE", sub.Status)
	}

	// Point a webhook at an in-process receiver before anything happens.
	received := struct {
		sync.Mutex
		topics []string
	}{}
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event struct {
			Topic string `json:"topic"`
		}
		_ = json.NewDecoder(r.Body).Decode(&event)
		received.Lock()
		received.topics = append(received.topics, event.Topic)
		received.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	var endpoint webhookdomain.Endpoint
	status = e.call(t, http.MethodPost, "/v1/webhooks/endpoints", map[string]any{
		"url":    hook.URL,
		"secret": "whsec_e2e",
	}, &endpoint)
	if status != http.StatusCreated {
		t.Fatalf("register endpoint: status %d", status)
	}

	// Consume almost the whole api_calls allotment (10000 on starter).
	var track struct {
		Remaining *int64 `json:"remaining"`
		Overage   int64  `json:"overage"`
	}
	status = e.call(t, http.MethodPost, "/v1/usage", map[string]any{
		"user_id":        e.userID.String(),
		"feature_key":    "api_calls",
		"correlation_id": "bulk-1",
		"quantity":       9999,
	}, &track)
	if status != http.StatusOK {
		t.Fatalf("track usage: status %d", status)
	}
	if track.Remaining == nil || *track.Remaining != 1 {
		t.Fatalf("remaining = %v, want 1", track.Remaining)
	}

	// Replaying the same correlation ID changes nothing.
	var replay struct {
		Duplicate bool   `json:"duplicate"`
		Remaining *int64 `json:"remaining"`
	}
	status = e.call(t, http.MethodPost, "/v1/usage", map[string]any{
		"user_id":        e.userID.String(),
		"feature_key":    "api_calls",
		"correlation_id": "bulk-1",
		"quantity":       9999,
	}, &replay)
	if status != http.StatusOK || !replay.Duplicate {
		t.Fatalf("replay: status %d, duplicate %v", status, replay.Duplicate)
	}

	// Blowing past the hard limit is a 429 carrying the headroom.
	var denied errorBody
	status = e.call(t, http.MethodPost, "/v1/usage", map[string]any{
		"user_id":        e.userID.String(),
		"feature_key":    "api_calls",
		"correlation_id": "bulk-2",
		"quantity":       5,
	}, &denied)
	if status != http.StatusTooManyRequests {
		t.Fatalf("over limit: status %d", status)
	}
	if denied.Error.Type != "quota_exceeded" || denied.Error.FeatureKey != "api_calls" {
		t.Fatalf("denial payload: %+v", denied.Error)
	}
	if denied.Error.Remaining == nil || *denied.Error.Remaining != 1 {
		t.Fatalf("denial remaining = %v, want 1", denied.Error.Remaining)
	}

	// A renewal pass after period end invoices and charges the customer.
	e.clock.Set(sub.PeriodEnd.Add(time.Minute))
	renewed, err := e.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("scheduler pass: %v", err)
	}
	if renewed != 1 {
		t.Fatalf("renewed = %d, want 1", renewed)
	}

	var invoices struct {
		Invoices []invoicedomain.Invoice `json:"invoices"`
	}
	status = e.call(t, http.MethodGet, "/v1/invoices", nil, &invoices)
	if status != http.StatusOK || len(invoices.Invoices) != 1 {
		t.Fatalf("invoices: status %d, rows %d", status, len(invoices.Invoices))
	}
	inv := invoices.Invoices[0]
	if inv.PaymentStatus != invoicedomain.PaymentStatusPaid {
		t.Fatalf("invoice status = %s, want PAID", inv.PaymentStatus)
	}
	// 29.00 with 18% tax.
	if inv.Total != "34.22" {
		t.Fatalf("invoice total = %s, want 34.22", inv.Total)
	}

	// Quota is fresh again after the renewal.
	status = e.call(t, http.MethodPost, "/v1/usage", map[string]any{
		"user_id":        e.userID.String(),
		"feature_key":    "api_calls",
		"correlation_id": "after-renewal",
		"quantity":       5,
	}, &track)
	if status != http.StatusOK {
		t.Fatalf("post-renewal usage: status %d", status)
	}
	if track.Remaining == nil || *track.Remaining != 9995 {
		t.Fatalf("post-renewal remaining = %v, want 9995", track.Remaining)
	}

	// Relay the outbox; every event lands on the webhook endpoint.
	if _, err := e.relay.RelayOnce(context.Background()); err != nil {
		t.Fatalf("relay: %v", err)
	}

	received.Lock()
	topics := append([]string(nil), received.topics...)
	received.Unlock()
	want := map[string]bool{
		outboxdomain.TopicSubscriptionCreated: false,
		outboxdomain.TopicSubscriptionRenewed: false,
		outboxdomain.TopicInvoiceCreated:      false,
		outboxdomain.TopicInvoicePaid:         false,
		outboxdomain.TopicQuotaExceeded:       false,
	}
	for _, topic := range topics {
		if _, ok := want[topic]; ok {
			want[topic] = true
		}
	}
	for topic, seen := range want {
		if !seen {
			t.Fatalf("webhook never received %s (got %v)", topic, topics)
		}
	}

	var deliveries struct {
		Deliveries []webhookdomain.Delivery `json:"deliveries"`
	}
	path := fmt.Sprintf("/v1/webhooks/endpoints/%s/deliveries", endpoint.ID)
	status = e.call(t, http.MethodGet, path, nil, &deliveries)
	if status != http.StatusOK {
		t.Fatalf("deliveries: status %d", status)
	}
	for _, d := range deliveries.Deliveries {
		if !d.Success {
			t.Fatalf("failed delivery: %+v", d)
		}
	}
}

func TestPlanChangeJourney(t *testing.T) {
	e := newEnv(t)
	starter := e.planID(t, "starter")
	pro := e.planID(t, "pro")

	var sub subscriptiondomain.Subscription
	status := e.call(t, http.MethodPost, "/v1/subscriptions", map[string]any{
		"user_id": e.userID.String(),
		"plan_id": starter.String(),
	}, &sub)
	if status != http.StatusCreated {
		t.Fatalf("start: status %d", status)
	}

	status = e.call(t, http.MethodPost, "/v1/usage", map[string]any{
		"user_id":        e.userID.String(),
		"feature_key":    "api_calls",
		"correlation_id": "before-upgrade",
		"quantity":       500,
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("usage: status %d", status)
	}

	// Upgrade carries the consumed 500 calls into the pro allotment.
	var upgraded subscriptiondomain.Subscription
	path := fmt.Sprintf("/v1/subscriptions/%s/change-plan", sub.ID)
	status = e.call(t, http.MethodPost, path, map[string]any{
		"new_plan_id": pro.String(),
	}, &upgraded)
	if status != http.StatusOK {
		t.Fatalf("change plan: status %d", status)
	}
	if upgraded.PlanID != pro {
		t.Fatalf("plan = %d, want %d", upgraded.PlanID, pro)
	}

	var track struct {
		Remaining *int64 `json:"remaining"`
	}
	status = e.call(t, http.MethodPost, "/v1/usage", map[string]any{
		"user_id":        e.userID.String(),
		"feature_key":    "api_calls",
		"correlation_id": "after-upgrade",
		"quantity":       1,
	}, &track)
	if status != http.StatusOK {
		t.Fatalf("post-upgrade usage: status %d", status)
	}
	// 100000 pro allotment minus 500 carried minus this call.
	if track.Remaining == nil || *track.Remaining != 99499 {
		t.Fatalf("remaining = %v, want 99499", track.Remaining)
	}

	// The old subscription is closed out and no longer the active one.
	var active subscriptiondomain.Subscription
	status = e.call(t, http.MethodGet, "/v1/subscriptions/active?user_id="+e.userID.String(), nil, &active)
	if status != http.StatusOK {
		t.Fatalf("active: status %d", status)
	}
	if active.ID != upgraded.ID {
		t.Fatalf("active = %d, want %d", active.ID, upgraded.ID)
	}
}
