package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"skilltrade_server/server/matchman/domain"
)

const (
	MongoDatabase   = "skill_trade"
	MongoCollection = "users"
)

// ProfileSource lists every user profile a rebuild should index.
type ProfileSource interface {
	ListProfiles(ctx context.Context) ([]domain.Profile, error)
}

// embeddingWriter is implemented by sources that can keep computed embeddings.
type embeddingWriter interface {
	SaveEmbedding(ctx context.Context, name string, embedding []float32) error
}

type MongoProfileSource struct {
	coll *mongo.Collection
}

func NewMongoProfileSource(client *mongo.Client) *MongoProfileSource {
	return &MongoProfileSource{coll: client.Database(MongoDatabase).Collection(MongoCollection)}
}

type userDocument struct {
	Username       string   `bson:"username"`
	FirstName      string   `bson:"firstName"`
	Email          string   `bson:"email"`
	WalletAddress  string   `bson:"walletAddress"`
	TeachSkills    []string `bson:"teachSkills"`
	LearnInterests []string `bson:"learnInterests"`
}

func (s *MongoProfileSource) ListProfiles(ctx context.Context) ([]domain.Profile, error) {
	cur, err := s.coll.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	defer cur.Close(ctx)

	var docs []userDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	profiles := make([]domain.Profile, 0, len(docs))
	for _, doc := range docs {
		profiles = append(profiles, domain.Profile{
			Name:           firstNonEmpty(doc.Username, doc.FirstName, doc.Email),
			Email:          doc.Email,
			WalletAddress:  doc.WalletAddress,
			TeachSkills:    doc.TeachSkills,
			LearnInterests: doc.LearnInterests,
		})
	}
	return profiles, nil
}

type PostgresProfileSource struct {
	db *pgxpool.Pool
}

func NewPostgresProfileSource(db *pgxpool.Pool) *PostgresProfileSource {
	return &PostgresProfileSource{db: db}
}

func (s *PostgresProfileSource) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS skill_profiles (
			name            TEXT PRIMARY KEY,
			email           TEXT NOT NULL DEFAULT '',
			wallet_address  TEXT NOT NULL DEFAULT '',
			teach_skills    TEXT[] NOT NULL DEFAULT '{}',
			learn_interests TEXT[] NOT NULL DEFAULT '{}',
			embedding       vector,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create skill_profiles: %w", err)
	}
	return nil
}

func (s *PostgresProfileSource) ListProfiles(ctx context.Context) ([]domain.Profile, error) {
	rows, err := s.db.Query(ctx, `
		SELECT name, email, wallet_address, teach_skills, learn_interests, embedding
		FROM skill_profiles
		ORDER BY created_at, name
	`)
	if err != nil {
		return nil, fmt.Errorf("query skill_profiles: %w", err)
	}
	defer rows.Close()

	profiles := make([]domain.Profile, 0)
	for rows.Next() {
		var (
			p         domain.Profile
			embedding *pgvector.Vector
		)
		if err := rows.Scan(&p.Name, &p.Email, &p.WalletAddress, &p.TeachSkills, &p.LearnInterests, &embedding); err != nil {
			return nil, fmt.Errorf("scan skill_profiles: %w", err)
		}
		if embedding != nil {
			p.Embedding = embedding.Slice()
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (s *PostgresProfileSource) SaveEmbedding(ctx context.Context, name string, embedding []float32) error {
	tag, err := s.db.Exec(ctx, `UPDATE skill_profiles SET embedding=$2 WHERE name=$1`, name, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New("profile not found")
	}
	return nil
}

// profileEntry maps a profile onto the entry a user would have added by hand.
func profileEntry(p domain.Profile) (domain.AddEntryInput, bool) {
	skills := make([]string, 0, len(p.TeachSkills))
	for _, skill := range p.TeachSkills {
		if s := strings.TrimSpace(skill); s != "" {
			skills = append(skills, s)
		}
	}
	name := strings.TrimSpace(p.Name)
	if name == "" || len(skills) == 0 {
		return domain.AddEntryInput{}, false
	}
	interests := make([]string, 0, len(p.LearnInterests))
	for _, interest := range p.LearnInterests {
		if s := strings.TrimSpace(interest); s != "" {
			interests = append(interests, s)
		}
	}
	description := ""
	if len(interests) > 0 {
		description = "learning: " + strings.Join(interests, ", ")
	}
	return domain.AddEntryInput{EntityID: name, Skills: skills, Description: description}, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
