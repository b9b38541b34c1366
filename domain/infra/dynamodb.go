package infra

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pyama86/slaffic-relay/domain/model"
)

const (
	threadIndexName = "ThreadIdIndex"
	ticketCounter   = "ticket"
	// ソートキーに空文字は使えないのでスレッド未割当のログはこの値で保存する
	noThreadKey = "-"
)

type DynamoConfig struct {
	TablePrefix string
	Local       bool
	Endpoint    string
}

type dynamoTables struct {
	ticket   string
	log      string
	language string
	counter  string
}

type DynamoDB struct {
	db     *dynamodb.Client
	tables dynamoTables
}

func NewDynamoDB(ctx context.Context, c DynamoConfig) (*DynamoDB, error) {
	prefix := c.TablePrefix
	if prefix == "" {
		prefix = "slaffic_relay"
	}
	var db *dynamodb.Client
	if c.Local {
		endpoint := c.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:8000"
		}
		cfg, err := config.LoadDefaultConfig(ctx,
			config.WithRegion("dummy"),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "dummy")),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}

		db = dynamodb.NewFromConfig(cfg,
			func(o *dynamodb.Options) {
				o.BaseEndpoint = aws.String(endpoint)
			},
		)
	} else {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}

		db = dynamodb.NewFromConfig(cfg)
	}
	d := &DynamoDB{
		db: db,
		tables: dynamoTables{
			ticket:   prefix + "_ticket",
			log:      prefix + "_conversation_log",
			language: prefix + "_language",
			counter:  prefix + "_counter",
		},
	}
	if c.Local {
		if err := d.EnsureTable(ctx); err != nil {
			return nil, err
		}
	}
	return d, nil
}

const (
	waitInterval = 2 * time.Second // ポーリング間隔
	maxRetries   = 30              // 最大リトライ回数 (30回 = 約1分)
)

func (d *DynamoDB) EnsureTable(ctx context.Context) error {
	tableNames := []string{
		d.tables.ticket,
		d.tables.log,
		d.tables.language,
		d.tables.counter,
	}

	for _, tableName := range tableNames {
		if err := d.ensureSingleTable(ctx, tableName); err != nil {
			return fmt.Errorf("failed to ensure table %s: %w", tableName, err)
		}
	}

	return nil
}

func (d *DynamoDB) ensureSingleTable(ctx context.Context, tableName string) error {
	_, err := d.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})
	if err == nil {
		// テーブルが既に存在する
		return nil
	}

	input, err := d.createTableInput(tableName)
	if err != nil {
		return err
	}
	if _, err := d.db.CreateTable(ctx, input); err != nil {
		return fmt.Errorf("failed to create table %s: %w", tableName, err)
	}

	// テーブルがACTIVEになるまで待機
	for i := 0; i < maxRetries; i++ {
		out, err := d.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(tableName),
		})
		if err != nil {
			return fmt.Errorf("failed to describe table %s: %w", tableName, err)
		}

		if out.Table.TableStatus == types.TableStatusActive {
			return nil
		}

		time.Sleep(waitInterval)
	}

	return fmt.Errorf("table %s creation timed out", tableName)
}

func provisioned() *types.ProvisionedThroughput {
	return &types.ProvisionedThroughput{
		ReadCapacityUnits:  aws.Int64(5),
		WriteCapacityUnits: aws.Int64(5),
	}
}

func hashKeyTable(tableName, key string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(key), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(key), KeyType: types.KeyTypeHash},
		},
		ProvisionedThroughput: provisioned(),
	}
}

func (d *DynamoDB) createTableInput(tableName string) (*dynamodb.CreateTableInput, error) {
	switch tableName {
	case d.tables.ticket:
		input := hashKeyTable(tableName, "requester_id")
		input.AttributeDefinitions = append(input.AttributeDefinitions,
			types.AttributeDefinition{AttributeName: aws.String("thread_id"), AttributeType: types.ScalarAttributeTypeS},
		)
		// thread_id が未設定のアイテムはインデックスに載らない
		input.GlobalSecondaryIndexes = []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(threadIndexName),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("thread_id"), KeyType: types.KeyTypeHash},
				},
				Projection:            &types.Projection{ProjectionType: types.ProjectionTypeAll},
				ProvisionedThroughput: provisioned(),
			},
		}
		return input, nil
	case d.tables.log:
		return &dynamodb.CreateTableInput{
			TableName: aws.String(tableName),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("requester_id"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("thread_id"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("requester_id"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("thread_id"), KeyType: types.KeyTypeRange},
			},
			ProvisionedThroughput: provisioned(),
		}, nil
	case d.tables.language:
		return hashKeyTable(tableName, "chat_id"), nil
	case d.tables.counter:
		return hashKeyTable(tableName, "name"), nil
	}
	return nil, fmt.Errorf("unknown table name: %s", tableName)
}

func (d *DynamoDB) Ping(ctx context.Context) error {
	_, err := d.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tables.ticket),
	})
	return err
}

func (d *DynamoDB) nextTicketID(ctx context.Context) (uint, error) {
	out, err := d.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tables.counter),
		Key: map[string]types.AttributeValue{
			"name": &types.AttributeValueMemberS{Value: ticketCounter},
		},
		UpdateExpression: aws.String("ADD seq :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate ticket id: %w", err)
	}
	seq, err := getNumberValue(out.Attributes, "seq")
	if err != nil {
		return 0, err
	}
	return uint(seq), nil
}

func (d *DynamoDB) CreateTicket(ctx context.Context, requesterID string, at time.Time) (*model.Ticket, error) {
	id, err := d.nextTicketID(ctx)
	if err != nil {
		return nil, err
	}
	ticket := &model.Ticket{
		ID:             id,
		RequesterID:    requesterID,
		LastActivityAt: at.UTC(),
		CreatedAt:      timeNow(),
	}
	_, err = d.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tables.ticket),
		Item: map[string]types.AttributeValue{
			"requester_id":     &types.AttributeValueMemberS{Value: requesterID},
			"id":               &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(id), 10)},
			"closed":           &types.AttributeValueMemberN{Value: "0"},
			"last_activity_at": &types.AttributeValueMemberS{Value: ticket.LastActivityAt.Format(time.RFC3339Nano)},
			"created_at":       &types.AttributeValueMemberS{Value: ticket.CreatedAt.Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_not_exists(requester_id)"),
	})
	if isConditionFailed(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

func (d *DynamoDB) GetTicketByRequester(ctx context.Context, requesterID string) (*model.Ticket, error) {
	out, err := d.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tables.ticket),
		Key: map[string]types.AttributeValue{
			"requester_id": &types.AttributeValueMemberS{Value: requesterID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	return decodeTicket(out.Item)
}

func (d *DynamoDB) GetTicketByThread(ctx context.Context, threadID string) (*model.Ticket, error) {
	if threadID == "" {
		return nil, ErrNotFound
	}
	out, err := d.db.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.tables.ticket),
		IndexName:              aws.String(threadIndexName),
		KeyConditionExpression: aws.String("thread_id = :thread_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":thread_id": &types.AttributeValueMemberS{Value: threadID},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Items) == 0 {
		return nil, ErrNotFound
	}
	return decodeTicket(out.Items[0])
}

func (d *DynamoDB) AssignThread(ctx context.Context, requesterID, threadID string) error {
	return d.updateTicket(ctx, requesterID, "SET thread_id = :v", &types.AttributeValueMemberS{Value: threadID})
}

func (d *DynamoDB) TouchTicket(ctx context.Context, requesterID string, at time.Time) error {
	return d.updateTicket(ctx, requesterID, "SET last_activity_at = :v", &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)})
}

func (d *DynamoDB) updateTicket(ctx context.Context, requesterID, expr string, v types.AttributeValue) error {
	_, err := d.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tables.ticket),
		Key: map[string]types.AttributeValue{
			"requester_id": &types.AttributeValueMemberS{Value: requesterID},
		},
		UpdateExpression:    aws.String(expr),
		ConditionExpression: aws.String("attribute_exists(requester_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": v,
		},
	})
	if isConditionFailed(err) {
		return ErrNotFound
	}
	return err
}

func (d *DynamoDB) CloseTicket(ctx context.Context, requesterID string) error {
	_, err := d.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tables.ticket),
		Key: map[string]types.AttributeValue{
			"requester_id": &types.AttributeValueMemberS{Value: requesterID},
		},
	})
	return err
}

func logThreadKey(threadID string) string {
	if threadID == "" {
		return noThreadKey
	}
	return threadID
}

func (d *DynamoDB) AppendLog(ctx context.Context, requesterID, threadID, message, supporterID string) error {
	now := timeNow().Format(time.RFC3339Nano)
	expr := "SET messages = list_append(if_not_exists(messages, :empty), :msg), created_at = if_not_exists(created_at, :now), updated_at = :now"
	values := map[string]types.AttributeValue{
		":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		":msg":   &types.AttributeValueMemberL{Value: []types.AttributeValue{&types.AttributeValueMemberS{Value: message}}},
		":now":   &types.AttributeValueMemberS{Value: now},
	}
	// 文字列セットなので重複は DynamoDB 側で弾かれる
	if supporterID != "" {
		expr += " ADD supporter_ids :sup"
		values[":sup"] = &types.AttributeValueMemberSS{Value: []string{supporterID}}
	}
	_, err := d.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tables.log),
		Key: map[string]types.AttributeValue{
			"requester_id": &types.AttributeValueMemberS{Value: requesterID},
			"thread_id":    &types.AttributeValueMemberS{Value: logThreadKey(threadID)},
		},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeValues: values,
	})
	return err
}

func (d *DynamoDB) GetLog(ctx context.Context, requesterID, threadID string) (*model.ConversationLog, error) {
	out, err := d.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tables.log),
		Key: map[string]types.AttributeValue{
			"requester_id": &types.AttributeValueMemberS{Value: requesterID},
			"thread_id":    &types.AttributeValueMemberS{Value: logThreadKey(threadID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	entry := &model.ConversationLog{
		RequesterID:  requesterID,
		ThreadID:     threadID,
		Messages:     getStringList(out.Item, "messages"),
		SupporterIDs: getStringSet(out.Item, "supporter_ids"),
	}
	if entry.CreatedAt, err = getTimeValue(out.Item, "created_at"); err != nil {
		return nil, err
	}
	if entry.UpdatedAt, err = getTimeValue(out.Item, "updated_at"); err != nil {
		return nil, err
	}
	return entry, nil
}

func (d *DynamoDB) GetLanguage(ctx context.Context, chatID string) (string, error) {
	out, err := d.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tables.language),
		Key: map[string]types.AttributeValue{
			"chat_id": &types.AttributeValueMemberS{Value: chatID},
		},
	})
	if err != nil {
		return "", err
	}
	if out.Item == nil {
		return "", nil
	}
	return getStringValue(out.Item, "lang"), nil
}

func (d *DynamoDB) SetLanguage(ctx context.Context, chatID, lang string) error {
	_, err := d.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tables.language),
		Item: map[string]types.AttributeValue{
			"chat_id":    &types.AttributeValueMemberS{Value: chatID},
			"lang":       &types.AttributeValueMemberS{Value: lang},
			"updated_at": &types.AttributeValueMemberS{Value: timeNow().Format(time.RFC3339Nano)},
		},
	})
	return err
}

func decodeTicket(item map[string]types.AttributeValue) (*model.Ticket, error) {
	id, err := getNumberValue(item, "id")
	if err != nil {
		return nil, fmt.Errorf("failed to parse id: %w", err)
	}
	closed, err := getNumberValue(item, "closed")
	if err != nil {
		return nil, fmt.Errorf("failed to parse closed: %w", err)
	}
	lastActivityAt, err := getTimeValue(item, "last_activity_at")
	if err != nil {
		return nil, err
	}
	createdAt, err := getTimeValue(item, "created_at")
	if err != nil {
		return nil, err
	}
	return &model.Ticket{
		ID:             uint(id),
		RequesterID:    getStringValue(item, "requester_id"),
		ThreadID:       getStringValue(item, "thread_id"),
		Closed:         closed == 1,
		LastActivityAt: lastActivityAt,
		CreatedAt:      createdAt,
	}, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func getStringValue(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func getNumberValue(item map[string]types.AttributeValue, key string) (int, error) {
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		return strconv.Atoi(v.Value)

	}
	return 0, fmt.Errorf("failed to parse %s", key)
}

func getTimeValue(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s := getStringValue(item, key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %s (%s): %w", key, s, err)
	}
	return t, nil
}

func getStringList(item map[string]types.AttributeValue, key string) model.StringList {
	out := model.StringList{}
	if v, ok := item[key].(*types.AttributeValueMemberL); ok {
		for _, e := range v.Value {
			if s, ok := e.(*types.AttributeValueMemberS); ok {
				out = append(out, s.Value)
			}
		}
	}
	return out
}

func getStringSet(item map[string]types.AttributeValue, key string) model.StringList {
	if v, ok := item[key].(*types.AttributeValueMemberSS); ok {
		return model.StringList(v.Value)
	}
	return model.StringList{}
}
