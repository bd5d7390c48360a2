// Package dynamo stores the donation ledger in a single DynamoDB table.
//
// Layout:
//
//	PK=USER#<email>  SK=PROFILE           user profile
//	PK=USER#<email>  SK=DONATION#<id>     donation; GSI1PK/GSI1SK set once it succeeds
//	PK=STATS         SK=TOTAL             running total of succeeded donations
//	PK=OUTBOX        SK=<time>#<n>#<id>   message waiting to be published
//
// GSI1 (GSI1PK, GSI1SK) lists succeeded donations by creation time.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/sarpbilgic/donate-now/internal/donation"
	"github.com/sarpbilgic/donate-now/internal/payment"
	"github.com/sarpbilgic/donate-now/pkg/messaging"
)

const (
	userPrefix     = "USER#"
	donationPrefix = "DONATION#"
	profileSK      = "PROFILE"
	statsPK        = "STATS"
	totalSK        = "TOTAL"
	outboxPK       = "OUTBOX"

	recentIndex = "GSI1"
	recentPK    = "DONATIONS#SUCCEEDED"
)

// API is the subset of the DynamoDB client the ledger uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Ledger keeps messages enqueued by a unit of work as table items written in
// the same transaction; DrainOutbox hands them to publisher.
type Ledger struct {
	client    API
	table     string
	publisher messaging.Publisher
}

var (
	_ donation.Repository = (*Ledger)(nil)
	_ payment.Ledger      = (*Ledger)(nil)
)

func NewLedger(client API, table string, publisher messaging.Publisher) *Ledger {
	return &Ledger{client: client, table: table, publisher: publisher}
}

type profileItem struct {
	PK        string    `dynamodbav:"PK"`
	SK        string    `dynamodbav:"SK"`
	Email     string    `dynamodbav:"email"`
	Name      string    `dynamodbav:"name"`
	UserID    string    `dynamodbav:"user_id"`
	CreatedAt time.Time `dynamodbav:"created_at"`
}

type donationItem struct {
	PK              string    `dynamodbav:"PK"`
	SK              string    `dynamodbav:"SK"`
	DonationID      string    `dynamodbav:"donation_id"`
	UserEmail       string    `dynamodbav:"user_email"`
	DonorName       string    `dynamodbav:"donor_name,omitempty"`
	Amount          int64     `dynamodbav:"amount"`
	Currency        string    `dynamodbav:"currency"`
	Status          string    `dynamodbav:"status"`
	PaymentIntentID string    `dynamodbav:"stripe_payment_intent_id,omitempty"`
	CreatedAt       time.Time `dynamodbav:"created_at"`
	GSI1PK          string    `dynamodbav:"GSI1PK,omitempty"`
	GSI1SK          string    `dynamodbav:"GSI1SK,omitempty"`
}

func (it donationItem) donation() donation.Donation {
	return donation.Donation{
		ID:               it.DonationID,
		UserEmail:        it.UserEmail,
		DonorName:        it.DonorName,
		Amount:           it.Amount,
		Currency:         it.Currency,
		Status:           donation.Status(it.Status),
		PaymentReference: it.PaymentIntentID,
		CreatedAt:        it.CreatedAt,
	}
}

func userKey(email string) string { return userPrefix + email }

func donationKey(id string) string { return donationPrefix + id }

func str(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func donationItemKey(email, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"PK": str(userKey(email)), "SK": str(donationKey(id))}
}

func (l *Ledger) CreateUserProfile(ctx context.Context, p donation.UserProfile) (donation.UserProfile, error) {
	item, err := attributevalue.MarshalMap(profileItem{
		PK:        userKey(p.Email),
		SK:        profileSK,
		Email:     p.Email,
		Name:      p.Name,
		UserID:    p.ExternalID,
		CreatedAt: p.CreatedAt.UTC(),
	})
	if err != nil {
		return donation.UserProfile{}, fmt.Errorf("marshal user profile: %w", err)
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		return p, nil
	}
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return donation.UserProfile{}, fmt.Errorf("put user profile: %w", err)
	}

	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.table),
		Key:            map[string]types.AttributeValue{"PK": str(userKey(p.Email)), "SK": str(profileSK)},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return donation.UserProfile{}, fmt.Errorf("get user profile: %w", err)
	}
	var existing profileItem
	if err := attributevalue.UnmarshalMap(out.Item, &existing); err != nil {
		return donation.UserProfile{}, fmt.Errorf("unmarshal user profile: %w", err)
	}
	return donation.UserProfile{
		Email:      existing.Email,
		Name:       existing.Name,
		ExternalID: existing.UserID,
		CreatedAt:  existing.CreatedAt,
	}, nil
}

func (l *Ledger) CreateDonation(ctx context.Context, d donation.Donation) (donation.Donation, error) {
	item, err := attributevalue.MarshalMap(donationItem{
		PK:              userKey(d.UserEmail),
		SK:              donationKey(d.ID),
		DonationID:      d.ID,
		UserEmail:       d.UserEmail,
		DonorName:       d.DonorName,
		Amount:          d.Amount,
		Currency:        d.Currency,
		Status:          string(d.Status),
		PaymentIntentID: d.PaymentReference,
		CreatedAt:       d.CreatedAt.UTC(),
	})
	if err != nil {
		return donation.Donation{}, fmt.Errorf("marshal donation: %w", err)
	}

	if _, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item:      item,
	}); err != nil {
		return donation.Donation{}, fmt.Errorf("put donation: %w", err)
	}
	return d, nil
}

func (l *Ledger) GetDonation(ctx context.Context, userEmail, donationID string) (donation.Donation, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.table),
		Key:       donationItemKey(userEmail, donationID),
	})
	if err != nil {
		return donation.Donation{}, fmt.Errorf("get donation: %w", err)
	}
	if len(out.Item) == 0 {
		return donation.Donation{}, donation.ErrNotFound
	}

	var it donationItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return donation.Donation{}, fmt.Errorf("unmarshal donation: %w", err)
	}
	return it.donation(), nil
}

type totalItem struct {
	TotalAmountCents int64 `dynamodbav:"TotalAmountCents"`
}

func (l *Ledger) GetTotal(ctx context.Context) (int64, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.table),
		Key:       map[string]types.AttributeValue{"PK": str(statsPK), "SK": str(totalSK)},
	})
	if err != nil {
		return 0, fmt.Errorf("get total: %w", err)
	}
	if len(out.Item) == 0 {
		return 0, nil
	}

	var it totalItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return 0, fmt.Errorf("unmarshal total: %w", err)
	}
	return it.TotalAmountCents, nil
}

func (l *Ledger) ListRecent(ctx context.Context, limit int) ([]donation.Donation, error) {
	out, err := l.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(l.table),
		IndexName:              aws.String(recentIndex),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": str(recentPK),
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("query recent donations: %w", err)
	}

	var items []donationItem
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, fmt.Errorf("unmarshal recent donations: %w", err)
	}
	result := make([]donation.Donation, 0, len(items))
	for _, it := range items {
		result = append(result, it.donation())
	}
	return result, nil
}

// RunInTx runs fn against a staging transaction and commits everything it
// wrote with one TransactWriteItems call: the conditional status change, the
// total increment and the outbox items either all land or none do. Reads in
// fn are consistent; a concurrent writer that wins the status condition
// cancels the commit and fn runs again against the new state.
func (l *Ledger) RunInTx(ctx context.Context, fn func(ctx context.Context, tx payment.Tx) error) error {
	for attempt := 1; ; attempt++ {
		tx := &ledgerTx{l: l, now: time.Now().UTC()}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if len(tx.writes) == 0 {
			return nil
		}

		_, err := l.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: tx.writes,
		})
		if err == nil {
			return nil
		}
		if !lostStatusRace(err) || attempt == maxTxAttempts {
			return fmt.Errorf("commit unit of work: %w", err)
		}
	}
}

const maxTxAttempts = 3

// lostStatusRace reports whether a transaction was cancelled because a
// condition no longer held, as opposed to throttling or a conflict with
// another in-flight transaction.
func lostStatusRace(err error) bool {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false
	}
	for _, r := range canceled.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

type ledgerTx struct {
	l      *Ledger
	now    time.Time
	writes []types.TransactWriteItem
	seq    int
}

// UpdateDonationStatus reads the donation and, while it is PENDING, stages
// the status change guarded by the same condition.
func (t *ledgerTx) UpdateDonationStatus(ctx context.Context, userEmail, donationID string, status donation.Status, paymentReference string) (*donation.Donation, error) {
	out, err := t.l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.l.table),
		Key:            donationItemKey(userEmail, donationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get donation: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, donation.ErrNotFound
	}
	var it donationItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal donation: %w", err)
	}

	current := donation.Status(it.Status)
	switch {
	case current == status:
		return nil, nil
	case current.Terminal():
		return nil, fmt.Errorf("%w: donation %s is %s", donation.ErrTerminalConflict, donationID, current)
	}

	update := "SET #status = :status, #ref = :ref"
	values := map[string]types.AttributeValue{
		":status":  str(string(status)),
		":ref":     str(paymentReference),
		":pending": str(string(donation.StatusPending)),
	}
	if status == donation.StatusSucceeded {
		update += ", GSI1PK = :gsi1pk, GSI1SK = created_at"
		values[":gsi1pk"] = str(recentPK)
	}
	t.writes = append(t.writes, types.TransactWriteItem{Update: &types.Update{
		TableName:           aws.String(t.l.table),
		Key:                 donationItemKey(userEmail, donationID),
		UpdateExpression:    aws.String(update),
		ConditionExpression: aws.String("attribute_exists(PK) AND #status = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
			"#ref":    "stripe_payment_intent_id",
		},
		ExpressionAttributeValues: values,
	}})

	d := it.donation()
	d.Status = status
	d.PaymentReference = paymentReference
	return &d, nil
}

func (t *ledgerTx) IncrementTotal(_ context.Context, amountCents int64) error {
	t.writes = append(t.writes, types.TransactWriteItem{Update: &types.Update{
		TableName:        aws.String(t.l.table),
		Key:              map[string]types.AttributeValue{"PK": str(statsPK), "SK": str(totalSK)},
		UpdateExpression: aws.String("ADD TotalAmountCents :amount"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":amount": &types.AttributeValueMemberN{Value: strconv.FormatInt(amountCents, 10)},
		},
	}})
	return nil
}

// Enqueue stages an outbox item; DrainOutbox publishes it after commit.
func (t *ledgerTx) Enqueue(_ context.Context, msg messaging.Message) error {
	t.seq++
	item, err := attributevalue.MarshalMap(outboxItem{
		PK:        outboxPK,
		SK:        fmt.Sprintf("%s#%03d#%s", t.now.Format(outboxTimeLayout), t.seq, msg.ID),
		MessageID: msg.ID,
		Type:      msg.Type,
		Body:      msg.Body,
		CreatedAt: t.now,
	})
	if err != nil {
		return fmt.Errorf("marshal outbox item: %w", err)
	}
	t.writes = append(t.writes, types.TransactWriteItem{Put: &types.Put{
		TableName: aws.String(t.l.table),
		Item:      item,
	}})
	return nil
}
