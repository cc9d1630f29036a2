package dynamo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gofrs/uuid/v5"

	"github.com/zlnvch/pixelround/models"
	"github.com/zlnvch/pixelround/store"
)

// DynamoCanvasStore implements store.CanvasStore on a single DynamoDB
// table. Every correctness-critical write is a ConditionExpression:
// cell occupancy, budget decrements and the round advance are decided
// by DynamoDB, not by a read on this side.
type DynamoCanvasStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoCanvasStore(ctx context.Context, devMode bool, dynamodbEndpoint string, tableName string) (*DynamoCanvasStore, error) {
	client, err := newDynamoDBClient(ctx, devMode, dynamodbEndpoint)
	if err != nil {
		return nil, err
	}

	tables, err := getTables(client, ctx)
	if err != nil {
		return nil, err
	}

	foundTable := false
	for _, table := range tables {
		if table == tableName {
			foundTable = true
			break
		}
	}
	if !foundTable {
		return nil, fmt.Errorf("given table name '%s' not found in dynamodb", tableName)
	}

	return &DynamoCanvasStore{client: client, tableName: tableName}, nil
}

func (dynamoStore *DynamoCanvasStore) GetOrCreateSession(ctx context.Context, networkAddress, walletAddress string, maxInk int) (models.Session, error) {
	sessionId, err := uuid.NewV4()
	if err != nil {
		return models.Session{}, err
	}

	session := models.Session{
		Id:             sessionId.String(),
		NetworkAddress: networkAddress,
		WalletAddress:  walletAddress,
		Ink:            maxInk,
		Eraser:         0,
		CreatedMs:      time.Now().UnixMilli(),
	}

	// Write the profile first, then race on the lookup item. The loser
	// discards its own profile and reads the winner's.
	if err := putItem(dynamoStore, ctx, sessionToDynamo(session)); err != nil {
		return models.Session{}, err
	}

	lookup := sessionLookup{
		PK: sessionLookupPK(networkAddress, walletAddress),
		SK: "PROFILE",
		Id: session.Id,
	}
	created, err := putIfAbsent(dynamoStore, ctx, lookup)
	if err != nil {
		return models.Session{}, err
	}
	if created {
		return session, nil
	}

	_ = deleteItem(dynamoStore, ctx, sessionPK(session.Id), "PROFILE")

	existing, err := getItem[sessionLookup](dynamoStore, ctx, lookup.PK, "PROFILE", true)
	if err != nil {
		return models.Session{}, err
	}
	return dynamoStore.GetSession(ctx, existing.Id)
}

func (dynamoStore *DynamoCanvasStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	ds, err := getItem[dynamoSession](dynamoStore, ctx, sessionPK(id), "PROFILE", true)
	if err != nil {
		return models.Session{}, err
	}
	return sessionFromDynamo(ds), nil
}

func (dynamoStore *DynamoCanvasStore) RefillSession(ctx context.Context, id string, round int64, ink, eraser int) error {
	ok, err := conditionalUpdate(dynamoStore, ctx, sessionPK(id), "PROFILE",
		"SET Ink = :ink, Eraser = :eraser, RefillRound = :round",
		"attribute_exists(PK) AND RefillRound < :round",
		map[string]types.AttributeValue{
			":ink":    numberAttr(int64(ink)),
			":eraser": numberAttr(int64(eraser)),
			":round":  numberAttr(round),
		},
	)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrConditionFailed
	}
	return nil
}

func (dynamoStore *DynamoCanvasStore) ConsumeInk(ctx context.Context, id string, round int64, n int) (bool, error) {
	return conditionalUpdate(dynamoStore, ctx, sessionPK(id), "PROFILE",
		"SET Ink = Ink - :n",
		"attribute_exists(PK) AND Ink >= :n AND RefillRound = :round",
		map[string]types.AttributeValue{
			":n":     numberAttr(int64(n)),
			":round": numberAttr(round),
		},
	)
}

func (dynamoStore *DynamoCanvasStore) ConsumeEraser(ctx context.Context, id string, round int64, n int) (bool, error) {
	return conditionalUpdate(dynamoStore, ctx, sessionPK(id), "PROFILE",
		"SET Eraser = Eraser - :n",
		"attribute_exists(PK) AND Eraser >= :n AND RefillRound = :round",
		map[string]types.AttributeValue{
			":n":     numberAttr(int64(n)),
			":round": numberAttr(round),
		},
	)
}

func (dynamoStore *DynamoCanvasStore) RefundInk(ctx context.Context, id string, n int) error {
	ok, err := conditionalUpdate(dynamoStore, ctx, sessionPK(id), "PROFILE",
		"SET Ink = Ink + :n",
		"attribute_exists(PK)",
		map[string]types.AttributeValue{
			":n": numberAttr(int64(n)),
		},
	)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrItemNotFound
	}
	return nil
}

func (dynamoStore *DynamoCanvasStore) RefundEraser(ctx context.Context, id string, n int) error {
	ok, err := conditionalUpdate(dynamoStore, ctx, sessionPK(id), "PROFILE",
		"SET Eraser = Eraser + :n",
		"attribute_exists(PK)",
		map[string]types.AttributeValue{
			":n": numberAttr(int64(n)),
		},
	)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrItemNotFound
	}
	return nil
}

func (dynamoStore *DynamoCanvasStore) PlacePixel(ctx context.Context, pixel models.Pixel) (bool, error) {
	// attribute_not_exists on the (round, cell) key is the occupancy
	// compare-and-swap: of N concurrent placements one PutItem wins.
	return putIfAbsent(dynamoStore, ctx, pixelToDynamo(pixel))
}

func (dynamoStore *DynamoCanvasStore) ErasePixel(ctx context.Context, round int64, x, y int) (models.Pixel, bool, error) {
	dp, removed, err := deleteItemReturning[dynamoPixel](dynamoStore, ctx, pixelPK(round), models.CellKey(x, y))
	if err != nil || !removed {
		return models.Pixel{}, false, err
	}
	return pixelFromDynamo(dp), true, nil
}

func (dynamoStore *DynamoCanvasStore) ListPixels(ctx context.Context, round int64) ([]models.Pixel, error) {
	dynamoPixels, err := queryAllByPK[dynamoPixel](dynamoStore, ctx, pixelPK(round), true, 0)
	if err != nil {
		return nil, err
	}

	pixels := make([]models.Pixel, 0, len(dynamoPixels))
	for _, dp := range dynamoPixels {
		pixels = append(pixels, pixelFromDynamo(dp))
	}

	// The partition is keyed by cell, so restore insertion order from
	// the creation timestamp; v7 pixel ids break millisecond ties.
	sort.SliceStable(pixels, func(i, j int) bool {
		if pixels[i].CreatedMs != pixels[j].CreatedMs {
			return pixels[i].CreatedMs < pixels[j].CreatedMs
		}
		return pixels[i].Id < pixels[j].Id
	})

	return pixels, nil
}

func (dynamoStore *DynamoCanvasStore) PurgePixels(ctx context.Context, round int64) error {
	return batchDeleteByPKThrottled(dynamoStore, ctx, pixelPK(round), 50*time.Millisecond)
}

func (dynamoStore *DynamoCanvasStore) ActiveRound(ctx context.Context) (models.Round, error) {
	dr, err := getItem[dynamoRound](dynamoStore, ctx, "ROUND", "CURRENT", true)
	if err != nil {
		return models.Round{}, err
	}
	return roundFromDynamo(dr), nil
}

func (dynamoStore *DynamoCanvasStore) AdvanceRound(ctx context.Context, from int64, next models.Round) (bool, error) {
	if from == 0 {
		return putIfAbsent(dynamoStore, ctx, dynamoRound{
			PK:      "ROUND",
			SK:      "CURRENT",
			Number:  next.Number,
			StartMs: next.StartMs,
			EndMs:   next.EndMs,
		})
	}

	return conditionalUpdate(dynamoStore, ctx, "ROUND", "CURRENT",
		"SET #n = :next, StartMs = :start, EndMs = :end",
		"#n = :from",
		map[string]types.AttributeValue{
			":next":  numberAttr(next.Number),
			":start": numberAttr(next.StartMs),
			":end":   numberAttr(next.EndMs),
			":from":  numberAttr(from),
		},
		withAttrName("#n", "Number"),
	)
}

func (dynamoStore *DynamoCanvasStore) InsertChat(ctx context.Context, msg models.ChatMessage) error {
	return putItem(dynamoStore, ctx, chatToDynamo(msg))
}

func (dynamoStore *DynamoCanvasStore) ListChat(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	// Newest first, then reversed to chronological order.
	dynamoChats, err := queryAllByPK[dynamoChat](dynamoStore, ctx, "CHAT", false, int32(limit))
	if err != nil {
		return nil, err
	}

	messages := make([]models.ChatMessage, 0, len(dynamoChats))
	for i := len(dynamoChats) - 1; i >= 0; i-- {
		messages = append(messages, chatFromDynamo(dynamoChats[i]))
	}
	return messages, nil
}
