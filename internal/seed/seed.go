// Package seed bootstraps brokers from an operator-provided YAML file.
// Plaintext credentials exist only in the file and in memory during apply;
// they are encrypted before they touch the database.
package seed

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"exchange-core/pkg/crypto"
	"exchange-core/pkg/db"
)

// Broker is one seed entry.
type Broker struct {
	UserEmail    string `yaml:"user_email"`
	Name         string `yaml:"name"`
	ExchangeType string `yaml:"exchange_type"`
	APIKey       string `yaml:"api_key"`
	APISecret    string `yaml:"api_secret"`
	Passphrase   string `yaml:"passphrase"`
	Testnet      bool   `yaml:"testnet"`
}

// File is the seed file shape.
type File struct {
	Brokers []Broker `yaml:"brokers"`
}

// Load parses a seed file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, b := range f.Brokers {
		if b.UserEmail == "" || b.ExchangeType == "" || b.APIKey == "" || b.APISecret == "" {
			return nil, fmt.Errorf("seed entry %d: user_email, exchange_type, api_key and api_secret are required", i)
		}
	}
	return &f, nil
}

// Apply upserts the seed entries: users are created as needed (without a
// password; they cannot log in until one is set), brokers are matched by
// user+name and skipped when present. Returns the number of brokers created.
func Apply(ctx context.Context, f *File, database *db.Database, keys *crypto.KeyManager) (int, error) {
	queries := database.Queries()
	created := 0

	for _, entry := range f.Brokers {
		user, err := database.GetUserByEmail(ctx, entry.UserEmail)
		if err != nil {
			return created, err
		}
		if user == nil {
			now := time.Now()
			user = &db.User{
				ID:        uuid.NewString(),
				Email:     entry.UserEmail,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := database.CreateUser(ctx, *user); err != nil {
				return created, err
			}
			log.Printf("seed: created user %s", user.ID)
		}

		existing, err := queries.ListBrokersByUser(ctx, user.ID)
		if err != nil {
			return created, err
		}
		if hasBroker(existing, entry.Name, entry.ExchangeType) {
			continue
		}

		encKey, err := keys.Encrypt(entry.APIKey)
		if err != nil {
			return created, fmt.Errorf("encrypt seed credentials: %w", err)
		}
		encSecret, err := keys.Encrypt(entry.APISecret)
		if err != nil {
			return created, fmt.Errorf("encrypt seed credentials: %w", err)
		}
		var encPassphrase string
		if entry.Passphrase != "" {
			if encPassphrase, err = keys.Encrypt(entry.Passphrase); err != nil {
				return created, fmt.Errorf("encrypt seed credentials: %w", err)
			}
		}

		now := time.Now()
		broker := db.Broker{
			ID:                  uuid.NewString(),
			UserID:              user.ID,
			ExchangeType:        entry.ExchangeType,
			Name:                entry.Name,
			APIKeyEncrypted:     encKey,
			APISecretEncrypted:  encSecret,
			PassphraseEncrypted: encPassphrase,
			KeyVersion:          keys.CurrentVersion(),
			Testnet:             entry.Testnet,
			IsActive:            true,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := queries.CreateBroker(ctx, broker); err != nil {
			return created, err
		}
		created++
		log.Printf("seed: created broker %s (%s) for user %s", broker.ID, broker.ExchangeType, user.ID)
	}
	return created, nil
}

func hasBroker(brokers []db.Broker, name, exchangeType string) bool {
	for _, b := range brokers {
		if b.Name == name && b.ExchangeType == exchangeType {
			return true
		}
	}
	return false
}
