// Package storage provides persistent data storage for the trading bot.
// It uses BoltDB as the underlying storage engine to store trade records,
// account equity snapshots, and feature records for machine learning.
//
// The package provides thread-safe operations for storing and retrieving
// time-series data with efficient range queries and automatic bucket
// management.
package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"perpbot/internal/model"
)

const (
	tradesBucket = "trades" // Bucket name for storing trade records, keyed by trade ID
	equityBucket = "equity" // Bucket name for account balance snapshots, keyed by timestamp
)

// Store provides persistent storage for trading data using BoltDB.
// It manages multiple buckets for different data types and provides
// efficient time-range queries for historical data analysis.
type Store struct {
	db *bbolt.DB // BoltDB database instance
}

// New creates a new storage instance with the specified data path.
// It initializes the BoltDB database and creates necessary buckets.
// Returns an error if the database cannot be opened or buckets cannot be created.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "perpbot-data.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(tradesBucket)); err != nil {
			return fmt.Errorf("create trades bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(equityBucket)); err != nil {
			return fmt.Errorf("create equity bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveTrade inserts or overwrites a trade record, keyed by its ID. Implements
// the executor's Store interface.
func (s *Store) SaveTrade(trade model.Trade) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(tradesBucket))

		data, err := json.Marshal(trade)
		if err != nil {
			return fmt.Errorf("marshal trade: %w", err)
		}

		return b.Put([]byte(trade.ID), data)
	})
}

// UpdateTrade is an alias of SaveTrade; trades are always overwritten in
// place by ID, so there is no separate insert/update distinction.
func (s *Store) UpdateTrade(trade model.Trade) error {
	return s.SaveTrade(trade)
}

// GetTrade fetches a single trade by ID. ok is false if no such trade exists.
func (s *Store) GetTrade(id string) (trade model.Trade, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(tradesBucket))
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &trade)
	})
	return trade, ok, err
}

// OpenTrades returns all trades with Status == StatusOpen, for the position
// monitor and auxiliary loops to reconcile against the exchange.
func (s *Store) OpenTrades() ([]model.Trade, error) {
	var open []model.Trade
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(tradesBucket))
		return b.ForEach(func(_, v []byte) error {
			var trade model.Trade
			if err := json.Unmarshal(v, &trade); err != nil {
				return nil // skip malformed records
			}
			if trade.Status == model.StatusOpen {
				open = append(open, trade)
			}
			return nil
		})
	})
	return open, err
}

// AllTrades returns every trade record, open and closed, for history
// analysis and backtesting tools.
func (s *Store) AllTrades() ([]model.Trade, error) {
	var all []model.Trade
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(tradesBucket))
		return b.ForEach(func(_, v []byte) error {
			var trade model.Trade
			if err := json.Unmarshal(v, &trade); err != nil {
				return nil
			}
			all = append(all, trade)
			return nil
		})
	})
	return all, err
}

// SaveEquitySnapshot records an account balance observation, used by the
// position monitor's kill switch to recover the session's initial balance
// across restarts.
func (s *Store) SaveEquitySnapshot(balance float64, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(equityBucket))
		key := fmt.Sprintf("%020d", at.UnixNano())
		return b.Put([]byte(key), []byte(fmt.Sprintf("%f", balance)))
	})
}

// FirstEquitySnapshot returns the earliest recorded balance, used as the
// kill switch's initial_balance baseline when the process restarts mid-session.
func (s *Store) FirstEquitySnapshot() (balance float64, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(equityBucket))
		k, v := b.Cursor().First()
		if k == nil {
			return nil
		}
		ok = true
		_, scanErr := fmt.Sscanf(string(v), "%f", &balance)
		return scanErr
	})
	return balance, ok, err
}
