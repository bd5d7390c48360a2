package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/sarpbilgic/donate-now/pkg/messaging"
)

// Fixed width so sort keys order by time.
const outboxTimeLayout = "20060102T150405.000000000Z"

type outboxItem struct {
	PK        string    `dynamodbav:"PK"`
	SK        string    `dynamodbav:"SK"`
	MessageID string    `dynamodbav:"message_id"`
	Type      string    `dynamodbav:"message_type"`
	Body      []byte    `dynamodbav:"body"`
	CreatedAt time.Time `dynamodbav:"created_at"`
}

var errNoPublisher = errors.New("dynamo ledger has no publisher")

// DrainOutbox publishes up to batch committed messages, oldest first, and
// deletes each one once the broker has confirmed it. It stops at the first
// publish failure so later messages are not sent ahead of it.
func (l *Ledger) DrainOutbox(ctx context.Context, batch int) (int, error) {
	if l.publisher == nil {
		return 0, errNoPublisher
	}

	out, err := l.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(l.table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": str(outboxPK),
		},
		ConsistentRead: aws.Bool(true),
		Limit:          aws.Int32(int32(batch)),
	})
	if err != nil {
		return 0, fmt.Errorf("query outbox: %w", err)
	}

	var items []outboxItem
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return 0, fmt.Errorf("unmarshal outbox: %w", err)
	}

	sent := 0
	for _, it := range items {
		if err := l.publisher.Publish(ctx, messaging.Message{ID: it.MessageID, Type: it.Type, Body: it.Body}); err != nil {
			return sent, fmt.Errorf("publish %s %s: %w", it.Type, it.MessageID, err)
		}
		if _, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(l.table),
			Key:       map[string]types.AttributeValue{"PK": str(it.PK), "SK": str(it.SK)},
		}); err != nil {
			return sent, fmt.Errorf("delete outbox item %s: %w", it.MessageID, err)
		}
		sent++
	}
	return sent, nil
}

// RunOutbox drains the outbox every interval until ctx is done.
func (l *Ledger) RunOutbox(ctx context.Context, interval time.Duration, batch int, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for {
			n, err := l.DrainOutbox(ctx, batch)
			if err != nil && ctx.Err() == nil {
				logger.Error("dynamodb outbox drain failed", "table", l.table, "err", err)
			}
			if err != nil || n < batch {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Ping checks that the table is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	if _, err := l.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(l.table)}); err != nil {
		return fmt.Errorf("describe table: %w", err)
	}
	return nil
}
