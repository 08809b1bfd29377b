package referral

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Reputation reports how suspicious an address is, from 0 (clean) to 1.
type Reputation interface {
	Risk(ip net.IP) (float64, error)
}

var reputationBucket = []byte("ip_reputation")

// BoltReputation keeps address risk in a local bbolt file. Entries are keyed
// by exact address or by CIDR network; the highest matching risk wins.
type BoltReputation struct {
	db *bolt.DB
}

func OpenBoltReputation(path string) (*BoltReputation, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errors.Wrap(err, "unable to create reputation db directory")
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "unable to open reputation db")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(reputationBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "unable to create reputation bucket")
	}

	return &BoltReputation{db: db}, nil
}

func (r *BoltReputation) Close() error {
	return r.db.Close()
}

// Mark stores risk for an address or a CIDR network.
func (r *BoltReputation) Mark(entry string, risk float64) error {
	key, err := normalizeEntry(entry)
	if err != nil {
		return err
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(reputationBucket).Put([]byte(key), []byte(strconv.FormatFloat(risk, 'f', -1, 64)))
	})
}

func (r *BoltReputation) Forget(entry string) error {
	key, err := normalizeEntry(entry)
	if err != nil {
		return err
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(reputationBucket).Delete([]byte(key))
	})
}

func (r *BoltReputation) Risk(ip net.IP) (float64, error) {
	var risk float64

	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(reputationBucket).ForEach(func(k, v []byte) error {
			if !entryContains(string(k), ip) {
				return nil
			}

			value, err := strconv.ParseFloat(string(v), 64)
			if err != nil {
				return errors.Wrapf(err, "corrupt reputation entry %q", k)
			}
			if value > risk {
				risk = value
			}

			return nil
		})
	})

	return risk, err
}

func normalizeEntry(entry string) (string, error) {
	if _, network, err := net.ParseCIDR(entry); err == nil {
		return network.String(), nil
	}

	if ip := net.ParseIP(entry); ip != nil {
		return ip.String(), nil
	}

	return "", errors.Errorf("invalid address or network %q", entry)
}

func entryContains(entry string, ip net.IP) bool {
	if _, network, err := net.ParseCIDR(entry); err == nil {
		return network.Contains(ip)
	}

	return entry == ip.String()
}
