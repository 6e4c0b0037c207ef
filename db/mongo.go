package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"visual-waypoint-nav/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoClient struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoClient(ctx context.Context, uri, database string) (*MongoClient, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("error connecting to MongoDB: %s", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("error pinging MongoDB: %s", err)
	}

	m := &MongoClient{client: client, db: client.Database(database)}
	_, err = m.db.Collection("verifications").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "mission_id", Value: 1}, {Key: "tick", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("error creating verifications index: %s", err)
	}
	return m, nil
}

func (m *MongoClient) Close() error {
	if m.client != nil {
		return m.client.Disconnect(context.Background())
	}
	return nil
}

func (m *MongoClient) StoreMission(ctx context.Context, mission models.MissionRecord) error {
	_, err := m.db.Collection("missions").ReplaceOne(ctx,
		bson.M{"id": mission.ID}, mission, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("error storing mission: %w", err)
	}
	return nil
}

func (m *MongoClient) GetMission(ctx context.Context, id string) (models.MissionRecord, bool, error) {
	var rec models.MissionRecord
	err := m.db.Collection("missions").FindOne(ctx, bson.M{"id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.MissionRecord{}, false, nil
	}
	if err != nil {
		return models.MissionRecord{}, false, fmt.Errorf("failed to retrieve mission: %w", err)
	}
	return rec, true, nil
}

func (m *MongoClient) RecordVerification(ctx context.Context, rec models.VerificationRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.ID == 0 {
		rec.ID = rec.Timestamp.UnixNano()
	}
	if _, err := m.db.Collection("verifications").InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("error storing verification: %w", err)
	}
	return nil
}

func (m *MongoClient) GetVerifications(ctx context.Context, missionID string) ([]models.VerificationRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "tick", Value: 1}, {Key: "id", Value: 1}})
	cursor, err := m.db.Collection("verifications").Find(ctx, bson.M{"mission_id": missionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("error querying verifications: %w", err)
	}
	out := []models.VerificationRecord{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("error decoding verifications: %w", err)
	}
	return out, nil
}

func (m *MongoClient) RecordOutcome(ctx context.Context, o models.MissionOutcome) error {
	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now()
	}
	_, err := m.db.Collection("outcomes").ReplaceOne(ctx,
		bson.M{"mission_id": o.MissionID}, o, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("error storing outcome: %w", err)
	}
	return nil
}

func (m *MongoClient) GetOutcomes(ctx context.Context, limit int) ([]models.MissionOutcome, error) {
	opts := options.Find().SetSort(bson.D{{Key: "finished_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := m.db.Collection("outcomes").Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("error querying outcomes: %w", err)
	}
	out := []models.MissionOutcome{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("error decoding outcomes: %w", err)
	}
	return out, nil
}
