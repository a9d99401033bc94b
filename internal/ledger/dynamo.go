package ledger

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore keeps one item per recording in a DynamoDB table whose
// partition key is the string attribute "id". The total is never stored.
type DynamoStore struct {
	client DynamoAPI
	table  string
	log    zerolog.Logger
}

type dynamoItem struct {
	ID        string  `dynamodbav:"id"`
	Duration  float64 `dynamodbav:"duration"`
	Cost      float64 `dynamodbav:"cost"`
	Timestamp string  `dynamodbav:"timestamp"`
}

// NewDynamoStore creates a DynamoDB ledger store using the default AWS
// credential chain.
func NewDynamoStore(ctx context.Context, region, table string, log zerolog.Logger) (*DynamoStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return NewDynamoStoreWithClient(dynamodb.NewFromConfig(awsCfg), table, log), nil
}

// NewDynamoStoreWithClient creates a DynamoDB ledger store on an existing client.
func NewDynamoStoreWithClient(client DynamoAPI, table string, log zerolog.Logger) *DynamoStore {
	return &DynamoStore{
		client: client,
		table:  table,
		log:    log.With().Str("component", "dynamo-ledger").Logger(),
	}
}

func (s *DynamoStore) Load(ctx context.Context) (*Ledger, error) {
	l := New()
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.table),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.table, err)
		}
		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidLedger, s.table, err)
		}
		for _, it := range items {
			l.Recordings[RecordingID(it.ID)] = Entry{
				Duration:  it.Duration,
				Cost:      it.Cost,
				Timestamp: it.Timestamp,
			}
		}
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Save writes only the difference between the table and l: new or changed
// entries are put, entries missing from l are deleted.
func (s *DynamoStore) Save(ctx context.Context, l *Ledger) error {
	current, err := s.Load(ctx)
	if err != nil {
		return err
	}

	var put, deleted int
	for _, id := range l.IDs() {
		e := l.Recordings[id]
		if old, ok := current.Recordings[id]; ok && old == e {
			continue
		}
		av, err := attributevalue.MarshalMap(dynamoItem{
			ID:        string(id),
			Duration:  e.Duration,
			Cost:      e.Cost,
			Timestamp: e.Timestamp,
		})
		if err != nil {
			return fmt.Errorf("marshal %s: %w", id, err)
		}
		if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      av,
		}); err != nil {
			return fmt.Errorf("put %s: %w", id, err)
		}
		put++
	}

	for _, id := range current.IDs() {
		if _, ok := l.Recordings[id]; ok {
			continue
		}
		if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"id": &types.AttributeValueMemberS{Value: string(id)},
			},
		}); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		deleted++
	}

	s.log.Debug().Int("put", put).Int("deleted", deleted).Msg("ledger saved")
	return nil
}
