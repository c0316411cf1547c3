package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/appcontext"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/meterline/internal/outbox/domain"
	domain "github.com/smallbiznis/meterline/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxResponseBody caps how much of an endpoint's answer is kept on the
// delivery row.
const maxResponseBody = 1 << 16

type webhookService struct {
	db      *gorm.DB
	log     *zap.Logger
	node    *snowflake.Node
	clock   clock.Clock
	billing *config.BillingConfigHolder
	repo    domain.Repository
	metrics *metrics.Metrics
	client  *http.Client
}

type Param struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Node    *snowflake.Node
	Cfg     config.Config
	Clock   clock.Clock
	Billing *config.BillingConfigHolder
	Repo    domain.Repository
	Metrics *metrics.Metrics `optional:"true"`
}

type Result struct {
	fx.Out

	Service    domain.Service
	Dispatcher outboxdomain.Dispatcher
}

func NewService(p Param) Result {
	svc := &webhookService{
		db:      p.DB,
		log:     p.Log.Named("webhook.service"),
		node:    p.Node,
		clock:   p.Clock,
		billing: p.Billing,
		repo:    p.Repo,
		metrics: p.Metrics,
		client:  &http.Client{Timeout: p.Cfg.WebhookTimeout},
	}
	return Result{Service: svc, Dispatcher: svc}
}

func (s *webhookService) RegisterEndpoint(ctx context.Context, req domain.RegisterEndpointRequest) (domain.Endpoint, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.Endpoint{}, domain.ErrInvalidApp
	}

	parsed, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return domain.Endpoint{}, domain.ErrInvalidURL
	}
	if strings.TrimSpace(req.Secret) == "" {
		return domain.Endpoint{}, domain.ErrInvalidSecret
	}

	endpoint := domain.Endpoint{
		ID:         s.node.Generate(),
		AppID:      appID,
		URL:        parsed.String(),
		Secret:     req.Secret,
		EventTypes: req.EventTypes,
		Active:     true,
	}
	if err := s.repo.InsertEndpoint(ctx, s.db, &endpoint); err != nil {
		return domain.Endpoint{}, err
	}

	s.log.Info("webhook endpoint registered",
		zap.Int64("endpoint_id", endpoint.ID.Int64()),
		zap.String("url", endpoint.URL),
	)
	return endpoint, nil
}

func (s *webhookService) ListEndpoints(ctx context.Context) ([]domain.Endpoint, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidApp
	}
	return s.repo.FindEndpointsByApp(ctx, s.db, appID)
}

func (s *webhookService) RevokeEndpoint(ctx context.Context, endpointID string) error {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.ErrInvalidApp
	}

	id, err := snowflake.ParseString(endpointID)
	if err != nil || id == 0 {
		return domain.ErrInvalidEndpoint
	}

	endpoint, err := s.repo.FindEndpoint(ctx, s.db, appID, id)
	if err != nil {
		return err
	}
	if endpoint == nil {
		return domain.ErrEndpointNotFound
	}
	if endpoint.RevokedAt != nil {
		return domain.ErrEndpointRevoked
	}

	now := s.clock.Now()
	endpoint.Active = false
	endpoint.RevokedAt = &now
	return s.repo.UpdateEndpoint(ctx, s.db, endpoint)
}

func (s *webhookService) ListDeliveries(ctx context.Context, endpointID string, limit int) ([]domain.Delivery, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidApp
	}

	id, err := snowflake.ParseString(endpointID)
	if err != nil || id == 0 {
		return nil, domain.ErrInvalidEndpoint
	}
	if limit <= 0 {
		limit = 50
	}
	return s.repo.FindDeliveries(ctx, s.db, appID, id, limit)
}

func (s *webhookService) RedeliverFailed(ctx context.Context, endpointID string, limit int) (int, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return 0, domain.ErrInvalidApp
	}

	id, err := snowflake.ParseString(endpointID)
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidEndpoint
	}
	if limit <= 0 {
		limit = 50
	}

	endpoint, err := s.repo.FindEndpoint(ctx, s.db, appID, id)
	if err != nil {
		return 0, err
	}
	if endpoint == nil {
		return 0, domain.ErrEndpointNotFound
	}
	if endpoint.RevokedAt != nil {
		return 0, domain.ErrEndpointRevoked
	}

	failed, err := s.repo.FindFailedDeliveries(ctx, s.db, appID, id, limit)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, delivery := range failed {
		msg, err := s.repo.FindMessage(ctx, s.db, delivery.MessageID)
		if err != nil {
			return sent, err
		}
		if msg == nil {
			continue
		}
		if attempt := s.sendToEndpoint(ctx, endpoint, msg); attempt.Success {
			sent++
		}
	}
	return sent, nil
}

// Dispatch fans the message out to every matching endpoint. It errors while
// any endpoint is still failing so the relay keeps redelivering, up to the
// configured retry ceiling.
func (s *webhookService) Dispatch(ctx context.Context, msg outboxdomain.Message) error {
	endpoints, err := s.repo.FindActiveEndpoints(ctx, s.db, msg.AppID)
	if err != nil {
		return err
	}

	failures := 0
	for i := range endpoints {
		endpoint := endpoints[i]
		if !matchesTopic(endpoint.EventTypes, msg.Topic) {
			continue
		}
		if attempt := s.sendToEndpoint(ctx, &endpoint, &msg); !attempt.Success {
			failures++
		}
	}

	if failures == 0 {
		return nil
	}

	maxRetries := s.billing.Get().WebhookMaxRetries
	if msg.Retries >= maxRetries {
		s.log.Warn("webhook delivery abandoned",
			zap.Int64("message_id", msg.ID.Int64()),
			zap.String("topic", msg.Topic),
			zap.Int("retries", msg.Retries),
		)
		return nil
	}
	return fmt.Errorf("webhook: %d of %d endpoints failed for message %s", failures, len(endpoints), msg.ID)
}

// sendToEndpoint performs one signed POST and always persists exactly one
// delivery row, whatever happened on the wire.
func (s *webhookService) sendToEndpoint(ctx context.Context, endpoint *domain.Endpoint, msg *outboxdomain.Message) *domain.Delivery {
	delivery := &domain.Delivery{
		ID:         s.node.Generate(),
		AppID:      endpoint.AppID,
		EndpointID: endpoint.ID,
		MessageID:  msg.ID,
		Topic:      msg.Topic,
		Retries:    msg.Retries,
	}

	body, err := json.Marshal(map[string]any{
		"id":         msg.ID.String(),
		"topic":      msg.Topic,
		"created_at": msg.CreatedAt.UTC().Format(time.RFC3339),
		"data":       json.RawMessage(msg.Payload),
	})
	if err != nil {
		delivery.Error = err.Error()
		s.persistDelivery(ctx, delivery)
		return delivery
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		delivery.Error = err.Error()
		s.persistDelivery(ctx, delivery)
		return delivery
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Meterline-Event", msg.Topic)
	req.Header.Set("X-Meterline-Delivery", delivery.ID.String())
	req.Header.Set("X-Meterline-Signature", Sign(endpoint.Secret, body))

	start := time.Now()
	resp, err := s.client.Do(req)
	delivery.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		// StatusCode stays 0: the request never reached the endpoint.
		delivery.Error = err.Error()
		s.persistDelivery(ctx, delivery)
		return delivery
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	delivery.ResponseBody = string(respBody)

	delivery.StatusCode = resp.StatusCode
	delivery.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !delivery.Success {
		delivery.Error = fmt.Sprintf("endpoint returned %d", resp.StatusCode)
	}
	s.persistDelivery(ctx, delivery)
	return delivery
}

func (s *webhookService) persistDelivery(ctx context.Context, delivery *domain.Delivery) {
	s.metrics.RecordWebhookDelivery(ctx, delivery.Topic, delivery.Success)
	if err := s.repo.InsertDelivery(ctx, s.db, delivery); err != nil {
		s.log.Error("persist delivery failed",
			zap.Int64("endpoint_id", delivery.EndpointID.Int64()),
			zap.Error(err),
		)
	}
}

// Sign computes the signature header value for a payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func matchesTopic(eventTypes []string, topic string) bool {
	if len(eventTypes) == 0 {
		return true
	}
	for _, t := range eventTypes {
		if t == topic || t == "*" {
			return true
		}
	}
	return false
}
