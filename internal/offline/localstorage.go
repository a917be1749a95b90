package offline

import (
	"bytes"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LocalStorage is a small string key/value area that lives next to the named
// caches. It holds the serialized action queue and per-document offline flags.
type LocalStorage struct {
	db *leveldb.DB
}

const (
	actionQueueKey   = "actionQueue"
	cachedFlagPrefix = "cached_"
	activeCacheKey   = "activeCache"
)

var syncWrite = &opt.WriteOptions{Sync: true}

// LocalStorage shares the store's database.
func (s *Store) LocalStorage() *LocalStorage {
	return &LocalStorage{db: s.db}
}

func (l *LocalStorage) Get(key string) (string, bool, error) {
	b, err := l.db.Get([]byte("ls:"+key), nil)
	if err == leveldb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, newError(KindStorage, "local storage get "+key, err)
	}
	return string(b), true, nil
}

// Set writes synchronously so a crash right after returns cannot lose it.
func (l *LocalStorage) Set(key, value string) error {
	if err := l.db.Put([]byte("ls:"+key), []byte(value), syncWrite); err != nil {
		return newError(KindStorage, "local storage set "+key, err)
	}
	return nil
}

func (l *LocalStorage) Remove(key string) error {
	if err := l.db.Delete([]byte("ls:"+key), syncWrite); err != nil {
		return newError(KindStorage, "local storage remove "+key, err)
	}
	return nil
}

// KeysWithPrefix lists keys (without the storage namespace) starting with prefix.
func (l *LocalStorage) KeysWithPrefix(prefix string) ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte("ls:"+prefix)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte("ls:"))))
	}
	if err := it.Error(); err != nil {
		return nil, newError(KindStorage, "local storage scan", err)
	}
	return out, nil
}
