package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/edgeflow/scada-acquisition/internal/domain"
)

// MongoArchiver persists GlobalStatistics snapshots to a MongoDB collection
// on the registry's periodic cadence, for historical operational
// dashboards. Best-effort: callers log Archive errors and continue.
type MongoArchiver struct {
	collection *mongo.Collection
}

// NewMongoArchiver connects to uri and targets database.collection.
func NewMongoArchiver(ctx context.Context, uri, database, collection string) (*MongoArchiver, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("telemetry: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("telemetry: mongo ping: %w", err)
	}
	return &MongoArchiver{collection: client.Database(database).Collection(collection)}, nil
}

// Archive inserts a timestamped document for stats.
func (a *MongoArchiver) Archive(ctx context.Context, stats domain.GlobalStatistics) error {
	doc := bson.M{
		"devices_total":     stats.DevicesTotal,
		"devices_connected": stats.DevicesConnected,
		"total_requests":    stats.TotalRequests,
		"total_ok":          stats.TotalOK,
		"total_failed":      stats.TotalFailed,
		"avg_response_ms":   stats.AvgResponseMs,
		"samples_per_sec":   stats.SamplesPerSec,
		"generated_at_ms":   stats.GeneratedAtMs,
	}
	_, err := a.collection.InsertOne(ctx, doc)
	return err
}

// S3Archiver uploads a JSON snapshot of GlobalStatistics to S3 on a slower
// cadence (default 5 minutes) for long-term operational history.
type S3Archiver struct {
	client *s3.S3
	bucket string
}

// NewS3Archiver builds an archiver targeting bucket using the default AWS
// SDK v1 credential chain.
func NewS3Archiver(bucket string) (*S3Archiver, error) {
	sess, err := session.NewSessionWithOptions(session.Options{SharedConfigState: session.SharedConfigEnable})
	if err != nil {
		return nil, fmt.Errorf("telemetry: aws session: %w", err)
	}
	return &S3Archiver{client: s3.New(sess), bucket: bucket}, nil
}

// Archive uploads stats under a timestamped key of the form
// "stats/{unix_ms}.json".
func (a *S3Archiver) Archive(ctx context.Context, stats domain.GlobalStatistics) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("telemetry: marshal stats: %w", err)
	}
	key := fmt.Sprintf("stats/%d.json", time.Now().UnixMilli())
	_, err = a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	})
	return err
}
