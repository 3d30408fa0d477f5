package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/npezzotti/softtalk/internal/types"
)

const maxConflictRetries = 5

// membershipSep separates owner and peer in membership keys. Ids may contain
// ':' (room entries do), so a byte that never appears in ids is used instead.
const membershipSep = "\x00"

type BadgerOptions struct {
	// Path is the data directory. Empty with InMemory set keeps everything in memory.
	Path       string
	InMemory   bool
	HistoryCap int
}

// BadgerStore is an embedded single-node backend. Each history log is one
// JSON array value rewritten inside a transaction. Badger holds an exclusive
// directory lock, so appends only race within this process and appendMu
// serializes them.
type BadgerStore struct {
	db         *badger.DB
	log        *slog.Logger
	historyCap int
	appendMu   sync.Mutex
}

func OpenBadgerStore(logger *slog.Logger, opts BadgerOptions) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(opts.Path).
		WithInMemory(opts.InMemory).
		WithLogger(&badgerLogger{log: logger})
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("")
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &BadgerStore{
		db:         db,
		log:        logger,
		historyCap: normalizeCap(opts.HistoryCap),
	}, nil
}

func (s *BadgerStore) PutProfile(_ context.Context, externalId string, p types.Profile) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(profileKey(externalId)), b)
	})
}

func (s *BadgerStore) GetProfile(_ context.Context, externalId string) (types.Profile, error) {
	var p types.Profile
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(profileKey(externalId)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.Profile{}, ErrNotFound
	}
	return p, err
}

func (s *BadgerStore) ListProfiles(_ context.Context) ([]types.Profile, error) {
	var profiles []types.Profile
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(profilePrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p types.Profile
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			})
			if err != nil {
				s.log.Warn("store.profile.corrupt", "key", string(it.Item().Key()), "err", err)
				continue
			}
			profiles = append(profiles, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortProfiles(profiles)
	return profiles, nil
}

func (s *BadgerStore) AppendMessage(_ context.Context, conversationKey string, m types.Message) error {
	key := []byte(historyKey(conversationKey))

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	return s.updateWithRetry(func(txn *badger.Txn) error {
		msgs, err := readHistory(txn, key)
		if err != nil {
			return err
		}

		msgs = append(msgs, m)
		if len(msgs) > s.historyCap {
			msgs = msgs[len(msgs)-s.historyCap:]
		}

		b, err := json.Marshal(msgs)
		if err != nil {
			return fmt.Errorf("marshal history: %w", err)
		}
		return txn.Set(key, b)
	})
}

func (s *BadgerStore) ReadMessages(_ context.Context, conversationKey string) ([]types.Message, error) {
	var msgs []types.Message
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		msgs, err = readHistory(txn, []byte(historyKey(conversationKey)))
		return err
	})
	return msgs, err
}

func readHistory(txn *badger.Txn, key []byte) ([]types.Message, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []types.Message
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msgs)
	})
	return msgs, err
}

func (s *BadgerStore) AddMembership(_ context.Context, a, b string) error {
	return s.updateWithRetry(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(membershipKey(a)+membershipSep+b), nil); err != nil {
			return err
		}
		return txn.Set([]byte(membershipKey(b)+membershipSep+a), nil)
	})
}

// ListMembership relies on badger's lexicographic key order, so the result is sorted.
func (s *BadgerStore) ListMembership(_ context.Context, id string) ([]string, error) {
	var members []string
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(membershipKey(id) + membershipSep)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			members = append(members, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
		}
		return nil
	})
	return members, err
}

func (s *BadgerStore) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) updateWithRetry(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// badgerLogger routes badger's internal logging into slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}
