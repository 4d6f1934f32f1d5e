package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/layer-3/certsettle/core"
	"github.com/layer-3/certsettle/ports"
)

// Topics published by the engine
const (
	TopicMinted  = "certsettle.credential.minted"
	TopicQueued  = "certsettle.credential.queued"
	TopicSettled = "certsettle.credential.settled"
)

// CredentialEvent is the payload of every lifecycle event
type CredentialEvent struct {
	CredentialID   string      `json:"credential_id"`
	UserWallet     string      `json:"user_wallet"`
	Course         string      `json:"course"`
	Method         core.Method `json:"method,omitempty"`
	TransactionRef string      `json:"transaction_ref,omitempty"`
	BlockHeight    uint64      `json:"block_height,omitempty"`
	ExpiresAt      int64       `json:"expires_at"`
	OccurredAt     time.Time   `json:"occurred_at"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	now       func() time.Time
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		now:       time.Now,
	}
}

// PublishMinted publishes a credential committed at issuance
func (p *WatermillPublisher) PublishMinted(ctx context.Context, credential core.PendingCredential, method core.Method) error {
	return p.publish(ctx, TopicMinted, credential, method)
}

// PublishQueued publishes a credential deferred to batch settlement
func (p *WatermillPublisher) PublishQueued(ctx context.Context, credential core.PendingCredential) error {
	return p.publish(ctx, TopicQueued, credential, core.MethodQueued)
}

// PublishSettled publishes a credential committed by batch settlement
func (p *WatermillPublisher) PublishSettled(ctx context.Context, credential core.PendingCredential) error {
	return p.publish(ctx, TopicSettled, credential, core.MethodDirect)
}

func (p *WatermillPublisher) publish(ctx context.Context, topic string, credential core.PendingCredential, method core.Method) error {
	event := CredentialEvent{
		CredentialID:   credential.ID,
		UserWallet:     credential.UserWallet,
		Course:         credential.Course,
		Method:         method,
		TransactionRef: credential.TransactionRef,
		BlockHeight:    credential.BlockHeight,
		ExpiresAt:      credential.ExpiresAt,
		OccurredAt:     p.now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(uuid.New().String(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("credential_id", credential.ID)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) PublishMinted(context.Context, core.PendingCredential, core.Method) error {
	return nil
}

func (NopPublisher) PublishQueued(context.Context, core.PendingCredential) error { return nil }

func (NopPublisher) PublishSettled(context.Context, core.PendingCredential) error { return nil }
