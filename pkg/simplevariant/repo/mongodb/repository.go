// Package mongodb implements simplevariant.Repository on MongoDB. Records
// live in the image_variants collection with a unique index over the
// variant quadruple; duplicate-key errors surface as ErrConflict, which is
// what lets concurrent admissions race without locks.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/tendant/simple-variant/pkg/simplevariant"
)

// CollectionName is the metadata collection for variant records.
const CollectionName = "image_variants"

// Repository implements simplevariant.Repository over a MongoDB collection.
type Repository struct {
	collection *mongo.Collection
}

// New creates a repository over db's image_variants collection. Call
// EnsureIndexes once at startup.
func New(db *mongo.Database) *Repository {
	return &Repository{collection: db.Collection(CollectionName)}
}

// Connect opens a client for uri and verifies connectivity.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the unique quadruple index and the status index.
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "imageId", Value: 1},
				{Key: "width", Value: 1},
				{Key: "height", Value: 1},
				{Key: "format", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("uniq_image_variant"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}},
			Options: options.Index().SetName("idx_status"),
		},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// variantDoc is the stored shape of a record. The id is the canonical UUID
// string so documents stay readable in the shell.
type variantDoc struct {
	ID           string     `bson:"_id"`
	ImageID      string     `bson:"imageId"`
	Width        int        `bson:"width"`
	Height       int        `bson:"height"`
	Format       string     `bson:"format"`
	OriginalKey  string     `bson:"originalKey"`
	VariantKey   string     `bson:"variantKey"`
	Bucket       string     `bson:"bucket"`
	Status       string     `bson:"status"`
	FileSize     int64      `bson:"fileSize"`
	FailedReason string     `bson:"failedReason,omitempty"`
	FailedAt     *time.Time `bson:"failedAt,omitempty"`
	RequeueCount int        `bson:"requeueCount"`
	CompletedAt  *time.Time `bson:"completedAt,omitempty"`
	CreatedAt    time.Time  `bson:"createdAt"`
	UpdatedAt    time.Time  `bson:"updatedAt"`
}

func toDoc(v *simplevariant.Variant) variantDoc {
	return variantDoc{
		ID:           v.ID.String(),
		ImageID:      v.ImageID,
		Width:        v.Width,
		Height:       v.Height,
		Format:       string(v.Format),
		OriginalKey:  v.OriginalKey,
		VariantKey:   v.VariantKey,
		Bucket:       v.Bucket,
		Status:       string(v.Status),
		FileSize:     v.FileSize,
		FailedReason: v.FailedReason,
		FailedAt:     v.FailedAt,
		RequeueCount: v.RequeueCount,
		CompletedAt:  v.CompletedAt,
		CreatedAt:    v.CreatedAt,
		UpdatedAt:    v.UpdatedAt,
	}
}

func fromDoc(doc variantDoc) (*simplevariant.Variant, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("parse record id %q: %w", doc.ID, err)
	}
	return &simplevariant.Variant{
		ID:           id,
		ImageID:      doc.ImageID,
		Width:        doc.Width,
		Height:       doc.Height,
		Format:       simplevariant.Format(doc.Format),
		OriginalKey:  doc.OriginalKey,
		VariantKey:   doc.VariantKey,
		Bucket:       doc.Bucket,
		Status:       simplevariant.Status(doc.Status),
		FileSize:     doc.FileSize,
		FailedReason: doc.FailedReason,
		FailedAt:     doc.FailedAt,
		RequeueCount: doc.RequeueCount,
		CompletedAt:  doc.CompletedAt,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}, nil
}

func specFilter(spec simplevariant.VariantSpec) bson.M {
	return bson.M{
		"imageId": spec.ImageID,
		"width":   spec.Width,
		"height":  spec.Height,
		"format":  string(spec.Format),
	}
}

func selectorFilter(sel simplevariant.Selector) bson.M {
	filter := bson.M{}
	if sel.ImageID != "" {
		filter["imageId"] = sel.ImageID
	}
	if sel.Width != nil {
		filter["width"] = *sel.Width
	}
	if sel.Height != nil {
		filter["height"] = *sel.Height
	}
	if sel.Format != nil {
		filter["format"] = string(*sel.Format)
	}
	if len(sel.Statuses) > 0 {
		statuses := make([]string, 0, len(sel.Statuses))
		for _, st := range sel.Statuses {
			statuses = append(statuses, string(st))
		}
		filter["status"] = bson.M{"$in": statuses}
	}
	if sel.UpdatedBefore != nil {
		filter["updatedAt"] = bson.M{"$lt": *sel.UpdatedBefore}
	}
	return filter
}

func (r *Repository) Insert(ctx context.Context, v *simplevariant.Variant) error {
	_, err := r.collection.InsertOne(ctx, toDoc(v))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return simplevariant.ErrConflict
		}
		return fmt.Errorf("insert variant: %w", err)
	}
	return nil
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*simplevariant.Variant, error) {
	return r.findOne(ctx, bson.M{"_id": id.String()})
}

func (r *Repository) FindBySpec(ctx context.Context, spec simplevariant.VariantSpec) (*simplevariant.Variant, error) {
	return r.findOne(ctx, specFilter(spec))
}

func (r *Repository) findOne(ctx context.Context, filter bson.M) (*simplevariant.Variant, error) {
	var doc variantDoc
	err := r.collection.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, simplevariant.ErrNotFound
		}
		return nil, fmt.Errorf("find variant: %w", err)
	}
	return fromDoc(doc)
}

func (r *Repository) Find(ctx context.Context, sel simplevariant.Selector) ([]*simplevariant.Variant, error) {
	cursor, err := r.collection.Find(ctx, selectorFilter(sel),
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find variants: %w", err)
	}

	var docs []variantDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode variants: %w", err)
	}

	records := make([]*simplevariant.Variant, 0, len(docs))
	for _, doc := range docs {
		rec, err := fromDoc(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *Repository) UpdateByID(ctx context.Context, id uuid.UUID, patch simplevariant.Patch) (*simplevariant.Variant, error) {
	set := bson.M{"updatedAt": time.Now().UTC()}
	if patch.Status != nil {
		set["status"] = string(*patch.Status)
	}
	if patch.FileSize != nil {
		set["fileSize"] = *patch.FileSize
	}
	if patch.CompletedAt != nil {
		set["completedAt"] = *patch.CompletedAt
	}
	// $set and $unset of the same path conflict, so the failure fields go
	// one way or the other.
	if !patch.ClearFailure {
		if patch.FailedReason != nil {
			set["failedReason"] = *patch.FailedReason
		}
		if patch.FailedAt != nil {
			set["failedAt"] = *patch.FailedAt
		}
	}

	update := bson.M{"$set": set}
	if patch.ClearFailure {
		update["$unset"] = bson.M{"failedReason": "", "failedAt": ""}
	}
	if patch.IncrementRequeue {
		update["$inc"] = bson.M{"requeueCount": 1}
	}

	var doc variantDoc
	err := r.collection.FindOneAndUpdate(ctx, bson.M{"_id": id.String()}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, simplevariant.ErrNotFound
		}
		return nil, fmt.Errorf("update variant: %w", err)
	}
	return fromDoc(doc)
}

func (r *Repository) DeleteBySpec(ctx context.Context, spec simplevariant.VariantSpec) error {
	if _, err := r.collection.DeleteOne(ctx, specFilter(spec)); err != nil {
		return fmt.Errorf("delete variant: %w", err)
	}
	return nil
}

func (r *Repository) DeleteMany(ctx context.Context, sel simplevariant.Selector) (int64, error) {
	res, err := r.collection.DeleteMany(ctx, selectorFilter(sel))
	if err != nil {
		return 0, fmt.Errorf("delete variants: %w", err)
	}
	return res.DeletedCount, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.collection.Database().Client().Ping(ctx, nil)
}
