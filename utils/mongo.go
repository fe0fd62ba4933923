package utils

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var (
	mongoClient *mongo.Client
	database    *mongo.Database
	mongoMutex  sync.Mutex
)

// InitMongo initializes the MongoDB connection for the delivery attempt archive.
func InitMongo(mongoURI, databaseName string) error {
	clientOptions := options.Client().ApplyURI(mongoURI).
		SetMaxPoolSize(10).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		if closeErr := client.Disconnect(ctx); closeErr != nil {
			log.Printf("Error disconnecting failed client: %v", closeErr)
		}
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	mongoMutex.Lock()
	mongoClient = client
	database = client.Database(databaseName)
	mongoMutex.Unlock()

	log.Printf("Successfully connected to MongoDB database: %s", databaseName)
	return nil
}

// GetCollection returns a collection handle, or nil before InitMongo.
func GetCollection(collName string) *mongo.Collection {
	mongoMutex.Lock()
	defer mongoMutex.Unlock()

	if database == nil {
		return nil
	}
	return database.Collection(collName)
}

// CloseMongo disconnects the archive client.
func CloseMongo() {
	mongoMutex.Lock()
	defer mongoMutex.Unlock()

	if mongoClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(ctx); err != nil {
			log.Printf("Error disconnecting MongoDB client: %v", err)
		}
		mongoClient = nil
		database = nil
	}
}
