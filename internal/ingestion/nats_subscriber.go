package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds commands
// into the engine via the commandChan. JetStream is the primary ingestion
// surface; each command kind has its own subject so producers can scale
// independently.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
}

// RawCommand is the parsed-but-untyped command from NATS, ready for the
// shell to validate and convert into a typed Command before it reaches the
// engine.
type RawCommand struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to command kinds.
type SubjectConfig struct {
	Subject      string
	Command      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "deal.orders.take_bid.>", Command: "TakeBid", ConsumerName: "book-take-bid", StreamName: "DEAL_ORDERS"},
		{Subject: "deal.orders.take_ask.>", Command: "TakeAsk", ConsumerName: "book-take-ask", StreamName: "DEAL_ORDERS"},
		{Subject: "deal.orders.execute.>", Command: "Execute", ConsumerName: "book-execute", StreamName: "DEAL_ORDERS"},
		{Subject: "deal.orders.cancel.>", Command: "Cancel", ConsumerName: "book-cancel", StreamName: "DEAL_ORDERS"},
		{Subject: "deal.loans.repay.>", Command: "Repay", ConsumerName: "book-repay", StreamName: "DEAL_LOANS"},
		{Subject: "deal.loans.withdraw.>", Command: "WithdrawCollateral", ConsumerName: "book-withdraw", StreamName: "DEAL_LOANS"},
		{Subject: "deal.loans.liquidate.>", Command: "Liquidate", ConsumerName: "book-liquidate", StreamName: "DEAL_LOANS"},
		{Subject: "deal.positions.transfer.>", Command: "TransferPosition", ConsumerName: "book-transfer", StreamName: "DEAL_POSITIONS"},
		{Subject: "deal.prices.post.>", Command: "PostPrice", ConsumerName: "book-prices", StreamName: "DEAL_PRICES"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.commandChan <- raw:
				// Successfully queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "DEAL_ORDERS",
			Subjects:  []string{"deal.orders.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "DEAL_LOANS",
			Subjects:  []string{"deal.loans.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "DEAL_POSITIONS",
			Subjects:  []string{"deal.positions.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "DEAL_PRICES",
			Subjects:  []string{"deal.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
