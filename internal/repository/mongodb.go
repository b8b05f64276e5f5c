package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/m2tx/portfolio_lab/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultCollection = "conversations"

type inlineDataDocument struct {
	Data     []byte `bson:"data"`
	MIMEType string `bson:"mime_type"`
}

type partDocument struct {
	Text       string              `bson:"text,omitempty"`
	Thought    bool                `bson:"thought,omitempty"`
	InlineData *inlineDataDocument `bson:"inline_data,omitempty"`
}

type contentDocument struct {
	Role  string         `bson:"role"`
	Parts []partDocument `bson:"parts"`
}

type conversationDocument struct {
	ID        string            `bson:"_id"`
	History   []contentDocument `bson:"history"`
	UpdatedAt time.Time         `bson:"updated_at"`
}

// MongoConversationRepository implements ConversationRepository using MongoDB.
type MongoConversationRepository struct {
	collection *mongo.Collection
	now        func() time.Time
}

// NewMongoConversationRepository creates a new MongoConversationRepository.
// collectionName defaults to "conversations" if empty.
func NewMongoConversationRepository(db *mongo.Database, collectionName string) *MongoConversationRepository {
	if collectionName == "" {
		collectionName = defaultCollection
	}
	return &MongoConversationRepository{
		collection: db.Collection(collectionName),
		now:        time.Now,
	}
}

func (r *MongoConversationRepository) Save(ctx context.Context, sessionID string, history []model.Content) error {
	docs, err := toDocuments(history)
	if err != nil {
		return fmt.Errorf("repository: encode session %q: %w", sessionID, err)
	}

	doc := conversationDocument{
		ID:        sessionID,
		History:   docs,
		UpdatedAt: r.now().UTC(),
	}

	filter := bson.M{"_id": sessionID}
	update := bson.M{"$set": doc}
	opts := options.Update().SetUpsert(true)

	_, err = r.collection.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return fmt.Errorf("repository: upsert session %q: %w", sessionID, err)
	}

	return nil
}

// Append pushes turns with $push/$each so concurrent writers on one session
// interleave instead of overwriting each other.
func (r *MongoConversationRepository) Append(ctx context.Context, sessionID string, turns ...model.Content) error {
	if len(turns) == 0 {
		return nil
	}

	docs, err := toDocuments(turns)
	if err != nil {
		return fmt.Errorf("repository: encode session %q: %w", sessionID, err)
	}

	filter := bson.M{"_id": sessionID}
	update := bson.M{
		"$push": bson.M{"history": bson.M{"$each": docs}},
		"$set":  bson.M{"updated_at": r.now().UTC()},
	}
	opts := options.Update().SetUpsert(true)

	if _, err := r.collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("repository: append session %q: %w", sessionID, err)
	}

	return nil
}

func (r *MongoConversationRepository) Load(ctx context.Context, sessionID string) ([]model.Content, error) {
	filter := bson.M{"_id": sessionID}

	var doc conversationDocument
	err := r.collection.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: find session %q: %w", sessionID, err)
	}

	return fromDocuments(doc.History), nil
}

func (r *MongoConversationRepository) Delete(ctx context.Context, sessionID string) error {
	filter := bson.M{"_id": sessionID}

	_, err := r.collection.DeleteOne(ctx, filter)
	if err != nil {
		return fmt.Errorf("repository: delete session %q: %w", sessionID, err)
	}

	return nil
}

// toDocuments converts history to its stored form, keeping part order.
func toDocuments(history []model.Content) ([]contentDocument, error) {
	result := make([]contentDocument, 0, len(history))
	for _, c := range history {
		cd := contentDocument{Role: string(c.Role), Parts: make([]partDocument, 0, len(c.Parts))}
		for _, p := range c.Parts {
			switch v := p.(type) {
			case model.TextPart:
				cd.Parts = append(cd.Parts, partDocument{Text: v.Text, Thought: v.Thought})
			case model.InlineDataPart:
				cd.Parts = append(cd.Parts, partDocument{InlineData: &inlineDataDocument{Data: v.Data, MIMEType: v.MIMEType}})
			default:
				return nil, fmt.Errorf("unsupported part type %T", p)
			}
		}
		result = append(result, cd)
	}
	return result, nil
}

// fromDocuments converts stored history back to model contents.
func fromDocuments(docs []contentDocument) []model.Content {
	result := make([]model.Content, 0, len(docs))
	for _, cd := range docs {
		c := model.Content{Role: model.Role(cd.Role), Parts: make([]model.Part, 0, len(cd.Parts))}
		for _, pd := range cd.Parts {
			if pd.InlineData != nil {
				c.Parts = append(c.Parts, model.InlineDataPart{Data: pd.InlineData.Data, MIMEType: pd.InlineData.MIMEType})
				continue
			}
			c.Parts = append(c.Parts, model.TextPart{Text: pd.Text, Thought: pd.Thought})
		}
		result = append(result, c)
	}
	return result
}
