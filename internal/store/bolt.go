package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/punchamoorthee/numbroker/internal/domain"
)

var (
	bucketAccounts = []byte("accounts")
	bucketEntries  = []byte("entries")
	bucketOrders   = []byte("orders")
)

// Bolt is a single-file Store. Bolt admits one read-write transaction at a
// time, so every mutation is serialized and the funds check and the entry
// append always share a transaction.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (or creates) the database file and its buckets.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketAccounts, bucketEntries, bucketOrders} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Bolt{db: db, now: time.Now}, nil
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

func (s *Bolt) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *Bolt) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *Bolt) EnsureAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var acc *domain.Account
	err := s.update(ctx, func(tx *bolt.Tx) error {
		existing, err := getAccount(tx, id)
		if err == nil {
			acc = existing
			return nil
		}
		if err != domain.ErrAccountNotFound {
			return err
		}
		acc = &domain.Account{ID: id, CreatedAt: s.now().UTC()}
		return putAccount(tx, acc)
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *Bolt) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var acc *domain.Account
	err := s.view(ctx, func(tx *bolt.Tx) error {
		var err error
		acc, err = getAccount(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *Bolt) GetBalance(ctx context.Context, id int64) (domain.Money, error) {
	acc, err := s.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

func (s *Bolt) Credit(ctx context.Context, id int64, amount domain.Money, reason string) (*domain.LedgerEntry, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	var entry domain.LedgerEntry
	err := s.update(ctx, func(tx *bolt.Tx) error {
		var err error
		entry, err = s.credit(tx, id, amount, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Bolt) Debit(ctx context.Context, id int64, amount domain.Money, reason string) (*domain.LedgerEntry, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	var entry domain.LedgerEntry
	err := s.update(ctx, func(tx *bolt.Tx) error {
		var err error
		entry, err = s.debit(tx, id, amount, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Bolt) credit(tx *bolt.Tx, id int64, amount domain.Money, reason string) (domain.LedgerEntry, error) {
	acc, err := getAccount(tx, id)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	entry := domain.NewEntry(id, domain.EntryCredit, amount, reason, s.now())
	acc.Balance += amount
	if err := putAccount(tx, acc); err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, appendEntry(tx, entry)
}

func (s *Bolt) debit(tx *bolt.Tx, id int64, amount domain.Money, reason string) (domain.LedgerEntry, error) {
	acc, err := getAccount(tx, id)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if acc.Balance < amount {
		return domain.LedgerEntry{}, domain.ErrInsufficientFunds
	}
	entry := domain.NewEntry(id, domain.EntryDebit, amount, reason, s.now())
	acc.Balance -= amount
	acc.TotalSpent += amount
	if err := putAccount(tx, acc); err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, appendEntry(tx, entry)
}

func (s *Bolt) Entries(ctx context.Context, id int64, limit int) ([]domain.LedgerEntry, error) {
	entries := []domain.LedgerEntry{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		if _, err := getAccount(tx, id); err != nil {
			return err
		}
		b := tx.Bucket(bucketEntries).Bucket(itob(id))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e domain.LedgerEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Bolt) PlaceOrder(ctx context.Context, o *domain.Order) (*domain.LedgerEntry, error) {
	if o.CostCharged <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	var entry domain.LedgerEntry
	err := s.update(ctx, func(tx *bolt.Tx) error {
		if tx.Bucket(bucketOrders).Get([]byte(o.ID)) != nil {
			return domain.ErrOrderExists
		}
		var err error
		entry, err = s.debit(tx, o.AccountID, o.CostCharged, "order "+o.ID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		placed := *o
		placed.Status = domain.OrderActive
		placed.CreatedAt = now
		placed.UpdatedAt = now
		if err := putOrder(tx, &placed); err != nil {
			return err
		}
		*o = placed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Bolt) SettleRefund(ctx context.Context, id string, to domain.OrderStatus, reason string) (*domain.Order, *domain.LedgerEntry, error) {
	var (
		order *domain.Order
		entry domain.LedgerEntry
	)
	err := s.update(ctx, func(tx *bolt.Tx) error {
		var err error
		order, err = s.transition(tx, id, to)
		if err != nil {
			return err
		}
		entry, err = s.credit(tx, order.AccountID, order.CostCharged, reason)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return order, &entry, nil
}

func (s *Bolt) Transition(ctx context.Context, id string, to domain.OrderStatus) (*domain.Order, error) {
	var order *domain.Order
	err := s.update(ctx, func(tx *bolt.Tx) error {
		var err error
		order, err = s.transition(tx, id, to)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Bolt) transition(tx *bolt.Tx, id string, to domain.OrderStatus) (*domain.Order, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidTransition, to)
	}
	order, err := getOrder(tx, id)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return nil, domain.ErrOrderAlreadyTerminal
	}
	order.Status = to
	order.UpdatedAt = s.now().UTC()
	return order, putOrder(tx, order)
}

func (s *Bolt) RecordCode(ctx context.Context, id, code, text string, at time.Time) (*domain.Order, error) {
	var order *domain.Order
	err := s.update(ctx, func(tx *bolt.Tx) error {
		var err error
		order, err = getOrder(tx, id)
		if err != nil {
			return err
		}
		received := at.UTC()
		order.Code = code
		order.CodeText = text
		order.CodeReceivedAt = &received
		order.UpdatedAt = s.now().UTC()
		return putOrder(tx, order)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Bolt) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var order *domain.Order
	err := s.view(ctx, func(tx *bolt.Tx) error {
		var err error
		order, err = getOrder(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Bolt) ListOrders(ctx context.Context, accountID int64, limit int) ([]domain.Order, error) {
	orders, err := s.scanOrders(ctx, func(o *domain.Order) bool { return o.AccountID == accountID })
	if err != nil {
		return nil, err
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	return orders[:limitOf(len(orders), limit)], nil
}

func (s *Bolt) ListOpenOrders(ctx context.Context) ([]domain.Order, error) {
	return s.scanOrders(ctx, func(o *domain.Order) bool { return !o.Status.Terminal() })
}

func (s *Bolt) scanOrders(ctx context.Context, keep func(*domain.Order) bool) ([]domain.Order, error) {
	orders := []domain.Order{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOrders).ForEach(func(k, v []byte) error {
			var o domain.Order
			if err := json.Unmarshal(v, &o); err != nil {
				return fmt.Errorf("decode order %s: %w", k, err)
			}
			if keep(&o) {
				orders = append(orders, o)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Bolt) Stats(ctx context.Context, now time.Time) (*domain.Stats, error) {
	stats := &domain.Stats{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketAccounts).ForEach(func(_, v []byte) error {
			var acc domain.Account
			if err := json.Unmarshal(v, &acc); err != nil {
				return err
			}
			stats.Accounts++
			stats.TotalBalance += acc.Balance
			stats.TotalSpent += acc.TotalSpent
			return nil
		})
		if err != nil {
			return err
		}

		err = tx.Bucket(bucketEntries).ForEach(func(k, _ []byte) error {
			b := tx.Bucket(bucketEntries).Bucket(k)
			if b == nil {
				return nil
			}
			return b.ForEach(func(_, v []byte) error {
				var e domain.LedgerEntry
				if err := json.Unmarshal(v, &e); err != nil {
					return err
				}
				if sameDay(e.CreatedAt, now) {
					stats.EntriesToday++
				}
				return nil
			})
		})
		if err != nil {
			return err
		}

		return tx.Bucket(bucketOrders).ForEach(func(_, v []byte) error {
			var o domain.Order
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			stats.Orders++
			if !o.Status.Terminal() {
				stats.OpenOrders++
			}
			if sameDay(o.CreatedAt, now) {
				stats.OrdersToday++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func getAccount(tx *bolt.Tx, id int64) (*domain.Account, error) {
	v := tx.Bucket(bucketAccounts).Get(itob(id))
	if v == nil {
		return nil, domain.ErrAccountNotFound
	}
	var acc domain.Account
	if err := json.Unmarshal(v, &acc); err != nil {
		return nil, fmt.Errorf("decode account %d: %w", id, err)
	}
	return &acc, nil
}

func putAccount(tx *bolt.Tx, acc *domain.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketAccounts).Put(itob(acc.ID), data)
}

func appendEntry(tx *bolt.Tx, e domain.LedgerEntry) error {
	b, err := tx.Bucket(bucketEntries).CreateBucketIfNotExists(itob(e.AccountID))
	if err != nil {
		return err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.Put(itob(int64(seq)), data)
}

func getOrder(tx *bolt.Tx, id string) (*domain.Order, error) {
	v := tx.Bucket(bucketOrders).Get([]byte(id))
	if v == nil {
		return nil, domain.ErrOrderNotFound
	}
	var o domain.Order
	if err := json.Unmarshal(v, &o); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", id, err)
	}
	return &o, nil
}

func putOrder(tx *bolt.Tx, o *domain.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketOrders).Put([]byte(o.ID), data)
}
