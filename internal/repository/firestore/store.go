// Package firestore stores turns in Cloud Firestore under
// conversations/{sessionID}/logs, one document per turn.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"mimitalk-agent/internal/domain"
)

const (
	conversationsCollection = "conversations"
	logsCollection          = "logs"
	timestampField          = "timestamp"
)

// logDocument is the stored shape of one turn.
type logDocument struct {
	UserText  string    `firestore:"user_text"`
	AgentText string    `firestore:"agent_text"`
	Timestamp time.Time `firestore:"timestamp"`
}

// Store is a Firestore-backed turn log.
type Store struct {
	client *firestore.Client
}

// New wraps an existing Firestore client.
func New(client *firestore.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("firestore: client must not be nil")
	}
	return &Store{client: client}, nil
}

func (s *Store) logs(sessionID string) *firestore.CollectionRef {
	return s.client.Collection(conversationsCollection).Doc(sessionID).Collection(logsCollection)
}

// turnsQuery reads the session's log oldest first.
func (s *Store) turnsQuery(sessionID string) firestore.Query {
	return s.logs(sessionID).OrderBy(timestampField, firestore.Asc)
}

// AppendTurn adds turn as a new auto-ID document in the session's log.
func (s *Store) AppendTurn(ctx context.Context, turn domain.Turn) error {
	if strings.TrimSpace(turn.SessionID) == "" {
		return errors.New("firestore: AppendTurn: session ID is required")
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	if _, err := s.logs(turn.SessionID).NewDoc().Set(ctx, toDocument(turn)); err != nil {
		return fmt.Errorf("firestore: AppendTurn: %w: %w", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// ListTurns streams the session's log ordered by timestamp. Each range opens
// a new query; documents are pulled from the server as they are consumed.
func (s *Store) ListTurns(ctx context.Context, sessionID string) iter.Seq2[domain.Turn, error] {
	return func(yield func(domain.Turn, error) bool) {
		if strings.TrimSpace(sessionID) == "" {
			return
		}
		it := s.turnsQuery(sessionID).Documents(ctx)
		defer it.Stop()

		for {
			snap, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield(domain.Turn{}, fmt.Errorf("firestore: ListTurns: %w: %w", domain.ErrStorageUnavailable, err))
				return
			}
			var doc logDocument
			if err := snap.DataTo(&doc); err != nil {
				yield(domain.Turn{}, fmt.Errorf("firestore: ListTurns decode %s: %w", snap.Ref.ID, err))
				return
			}
			if !yield(fromDocument(sessionID, doc), nil) {
				return
			}
		}
	}
}

func toDocument(turn domain.Turn) logDocument {
	return logDocument{
		UserText:  turn.UserText,
		AgentText: turn.AgentText,
		Timestamp: turn.Timestamp.UTC(),
	}
}

func fromDocument(sessionID string, doc logDocument) domain.Turn {
	return domain.Turn{
		SessionID: sessionID,
		UserText:  doc.UserText,
		AgentText: doc.AgentText,
		Timestamp: doc.Timestamp,
	}
}
